// Package server exposes inference endpoints and chat sessions over HTTP and
// endpoint readiness over the gRPC health protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-go-golems/servitor/pkg/chat"
	"github.com/go-go-golems/servitor/pkg/conversation"
	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/go-go-golems/servitor/pkg/gateway"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const maxBodySize = 8 << 20

// Status is the readiness view of an endpoint; *endpoint.Endpoint implements it.
type Status interface {
	Name() string
	State() endpoint.State
	Ready() bool
}

// Reloader swaps in a fresh artifact; *endpoint.Endpoint implements it.
type Reloader interface {
	Reload(ctx context.Context) error
}

var (
	_ Status   = (*endpoint.Endpoint)(nil)
	_ Reloader = (*endpoint.Endpoint)(nil)
)

type model struct {
	status  Status
	handler gateway.Handler
}

type Server struct {
	models   map[string]*model
	sessions conversation.Store
	chat     *chat.Client
	health   *endpoint.HealthReporter
	events   message.Subscriber
	topic    string

	shutdownTimeout time.Duration
}

type Option func(*Server)

// WithModel serves h under the name of s.
func WithModel(s Status, h gateway.Handler) Option {
	return func(srv *Server) {
		srv.models[s.Name()] = &model{status: s, handler: h}
	}
}

// WithSessions enables the session routes. Turns go through client and
// sessions are kept in store.
func WithSessions(store conversation.Store, client *chat.Client) Option {
	return func(srv *Server) {
		srv.sessions = store
		srv.chat = client
	}
}

func WithHealthReporter(h *endpoint.HealthReporter) Option {
	return func(srv *Server) {
		srv.health = h
	}
}

// WithEventLog logs every inference event published on topic.
func WithEventLog(sub message.Subscriber, topic string) Option {
	return func(srv *Server) {
		srv.events = sub
		srv.topic = topic
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(srv *Server) {
		srv.shutdownTimeout = d
	}
}

func New(options ...Option) *Server {
	srv := &Server{
		models:          map[string]*model{},
		shutdownTimeout: 10 * time.Second,
	}
	for _, o := range options {
		o(srv)
	}
	if srv.health == nil {
		srv.health = endpoint.NewHealthReporter(nil)
	}
	return srv
}

func (srv *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthz)
	r.Get("/readyz", srv.readyz)

	r.Route("/v1/models", func(r chi.Router) {
		r.Get("/", srv.listModels)
		r.Get("/{name}", srv.modelStatus)
		r.Post("/{target}", srv.modelAction)
	})

	if srv.sessions != nil && srv.chat != nil {
		r.Route("/v1/sessions/{id}", func(r chi.Router) {
			r.Get("/", srv.getSession)
			r.Delete("/", srv.deleteSession)
			r.Post("/turns", srv.postTurn)
		})
	}
	return r
}

// Run serves HTTP on httpAddr and gRPC health on grpcAddr (skipped when
// empty) until ctx is cancelled, then shuts both down gracefully.
func (srv *Server) Run(ctx context.Context, httpAddr, grpcAddr string) error {
	var grpcListener net.Listener
	if grpcAddr != "" {
		var err error
		grpcListener, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("address", httpAddr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.shutdownTimeout)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})

	if grpcListener != nil {
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, srv.health.Server())
		g.Go(func() error {
			log.Info().Str("address", grpcAddr).Msg("Starting gRPC health server")
			return grpcServer.Serve(grpcListener)
		})
		g.Go(func() error {
			<-ctx.Done()
			srv.health.Shutdown()
			grpcServer.GracefulStop()
			return nil
		})
	}

	if srv.events != nil {
		g.Go(func() error {
			messages, err := srv.events.Subscribe(ctx, srv.topic)
			if err != nil {
				return err
			}
			logEvents(messages)
			return nil
		})
	}

	return g.Wait()
}

func logEvents(messages <-chan *message.Message) {
	for msg := range messages {
		ev, err := gateway.DecodeEvent(msg)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Could not decode inference event")
			continue
		}
		log.Info().
			Str("request_id", ev.RequestID).
			Str("endpoint", ev.Endpoint).
			Str("mode", string(ev.Mode)).
			Int("items", ev.Items).
			Dur("duration", ev.Duration).
			Str("kind", string(ev.Kind)).
			Msg("Inference")
	}
}

type modelInfo struct {
	Name  string         `json:"name"`
	Ready bool           `json:"ready"`
	State endpoint.State `json:"state"`
}

func infoOf(s Status) modelInfo {
	return modelInfo{Name: s.Name(), Ready: s.Ready(), State: s.State()}
}

func (srv *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (srv *Server) readyz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	for _, m := range srv.models {
		if !m.status.Ready() {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, srv.modelInfos())
}

func (srv *Server) modelInfos() []modelInfo {
	ret := make([]modelInfo, 0, len(srv.models))
	for _, m := range srv.models {
		ret = append(ret, infoOf(m.status))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

func (srv *Server) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": srv.modelInfos()})
}

func (srv *Server) modelStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := srv.models[chi.URLParam(r, "name")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("model not found"))
		return
	}
	writeJSON(w, http.StatusOK, infoOf(m.status))
}

// modelAction dispatches POST /v1/models/{name}:{verb}.
func (srv *Server) modelAction(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		writeError(w, http.StatusNotFound, errors.New("unknown verb, expected {name}:predict or {name}:reload"))
		return
	}
	name, verb := target[:idx], target[idx+1:]
	if verb != "predict" && verb != "reload" {
		writeError(w, http.StatusNotFound, errors.New("unknown verb, expected {name}:predict or {name}:reload"))
		return
	}
	m, ok := srv.models[name]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("model not found"))
		return
	}
	if verb == "reload" {
		srv.reload(w, r, m)
		return
	}
	srv.predict(w, r, m)
}

func (srv *Server) reload(w http.ResponseWriter, r *http.Request, m *model) {
	reloader, ok := m.status.(Reloader)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("model cannot be reloaded"))
		return
	}
	// a client going away must not abort the load half way
	err := reloader.Reload(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, infoOf(m.status))
	case errors.Is(err, endpoint.ErrLoadInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, endpoint.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		log.Error().Err(err).Str("model", m.status.Name()).Msg("Reload failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (srv *Server) predict(w http.ResponseWriter, r *http.Request, m *model) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := gateway.ParseRequest(body)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	resp, err := m.handler.Handle(r.Context(), req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	if resp.Predictions != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(resp.Text))
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	Reply string `json:"reply"`
	Turns int    `json:"turns"`
}

func (srv *Server) postTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req := turnRequest{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := srv.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	reply, turnErr := srv.chat.Turn(r.Context(), session, req.Text)
	// the user turn is kept even when the model call failed
	if err := srv.sessions.Save(r.Context(), session); err != nil {
		log.Error().Err(err).Str("session", id).Msg("Failed to save session")
		if turnErr == nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if turnErr != nil {
		writeError(w, statusOf(turnErr), turnErr)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{Reply: reply, Turns: session.Len()})
}

func (srv *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := srv.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

func (srv *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := srv.sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusOf(err error) int {
	switch gateway.KindOf(err) {
	case gateway.KindValidation, gateway.KindEncoding:
		return http.StatusBadRequest
	case gateway.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := gateway.ErrorBody{
		Error:     err.Error(),
		Kind:      gateway.KindOf(err),
		Retryable: gateway.IsRetryable(err),
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}
