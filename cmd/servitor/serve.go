package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/servitor/pkg/chat"
	"github.com/go-go-golems/servitor/pkg/config"
	"github.com/go-go-golems/servitor/pkg/conversation"
	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/go-go-golems/servitor/pkg/gateway"
	"github.com/go-go-golems/servitor/pkg/runtimes/forest"
	"github.com/go-go-golems/servitor/pkg/runtimes/kserve"
	"github.com/go-go-golems/servitor/pkg/runtimes/ollama"
	"github.com/go-go-golems/servitor/pkg/runtimes/openai"
	"github.com/go-go-golems/servitor/pkg/server"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const loadRetryInterval = 5 * time.Second

func addServerFlags(cmd *cobra.Command, defaults config.ServerSettings) map[string]string {
	cmd.Flags().String("http-address", defaults.HTTPAddress, "HTTP listen address")
	cmd.Flags().String("grpc-address", defaults.GRPCAddress, "gRPC health listen address (empty to disable)")
	cmd.Flags().Duration("shutdown-timeout", defaults.ShutdownTimeout, "Graceful shutdown timeout")
	return map[string]string{
		"http-address":     "server.http-address",
		"grpc-address":     "server.grpc-address",
		"shutdown-timeout": "server.shutdown-timeout",
	}
}

func newServeTransformerCommand() *cobra.Command {
	defaults := config.Defaults()
	t := defaults.Transformer

	cmd := &cobra.Command{
		Use:   "serve-transformer",
		Short: "Serve a molecule transformer in front of a predictor or a forest artifact",
		Args:  cobra.NoArgs,
	}
	keys := addServerFlags(cmd, defaults.Server)
	cmd.Flags().String("model-name", t.ModelName, "Name the endpoint is served under")
	cmd.Flags().String("algorithm", t.Algorithm, "Feature algorithm")
	cmd.Flags().Int("n-bits", t.NBits, "Fingerprint length")
	cmd.Flags().Int("radius", t.Radius, "Fingerprint radius")
	cmd.Flags().String("predictor-host", t.PredictorHost, "Host of the remote KServe predictor")
	cmd.Flags().String("model-path", t.ModelPath, "Path of a local forest artifact (json or yaml)")
	cmd.Flags().String("output", t.Output, "Forest output (label, proba)")
	cmd.Flags().Int("cache-size", t.CacheSize, "In-memory vector cache entries (0 disables)")
	cmd.Flags().String("cache-path", t.CachePath, "Persistent vector cache file")
	cmd.Flags().Int("parallelism", t.Parallelism, "Concurrent item encodings per request")
	cmd.Flags().Duration("timeout", t.Timeout, "Request timeout")
	for _, name := range []string{
		"model-name", "algorithm", "n-bits", "radius", "predictor-host", "model-path",
		"output", "cache-size", "cache-path", "parallelism", "timeout",
	} {
		keys[name] = "transformer." + name
	}

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), keys)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTransformer(ctx, s)
	}
	return cmd
}

func buildCodec(t config.TransformerSettings) (features.Codec, func(), error) {
	codec, err := features.New(t.CodecConfig())
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {}
	if t.CachePath != "" {
		bc, err := features.NewBoltCache(codec, t.CachePath)
		if err != nil {
			return nil, nil, err
		}
		codec = bc
		cleanup = func() {
			if err := bc.Close(); err != nil {
				log.Warn().Err(err).Msg("Could not close vector cache")
			}
		}
	}
	if t.CacheSize > 0 {
		codec = features.NewCachedCodec(codec, t.CacheSize)
	}
	return codec, cleanup, nil
}

func runTransformer(ctx context.Context, s *config.Settings) error {
	t := s.Transformer

	var loader endpoint.Loader
	switch {
	case t.ModelPath != "":
		loader = forest.NewLoader(t.ModelPath, forest.WithOutput(t.Output))
	case t.PredictorHost != "":
		loader = kserve.NewLoader(t.PredictorHost, t.ModelName)
	default:
		return errors.New("either --predictor-host or --model-path is required")
	}

	codec, cleanup, err := buildCodec(t)
	if err != nil {
		return errors.Wrap(err, "could not create codec")
	}
	defer cleanup()

	health := endpoint.NewHealthReporter(nil)
	ep, err := endpoint.New(t.ModelName, loader,
		endpoint.WithStateObserver(health),
		endpoint.WithCloseTimeout(s.Server.ShutdownTimeout),
	)
	if err != nil {
		return err
	}
	defer closeEndpoint(ep)

	pubSub := gateway.NewPubSub(log.Logger)
	defer func() {
		_ = pubSub.Close()
	}()

	gw, err := gateway.New(ep,
		gateway.WithCodec(codec),
		gateway.WithParams(),
		gateway.WithTimeout(t.Timeout),
		gateway.WithParallelEncoding(t.Parallelism),
		gateway.WithEventSink(gateway.NewWatermillSink(pubSub, gateway.EventTopic)),
	)
	if err != nil {
		return err
	}

	log.Info().
		Str("model", t.ModelName).
		Str("codec", codec.Config().String()).
		Msg("Starting transformer")

	go loadUntilReady(ctx, ep)
	go reloadOnHangup(ctx, ep)

	srv := server.New(
		server.WithModel(ep, gw),
		server.WithHealthReporter(health),
		server.WithEventLog(pubSub, gateway.EventTopic),
		server.WithShutdownTimeout(s.Server.ShutdownTimeout),
	)
	return srv.Run(ctx, s.Server.HTTPAddress, s.Server.GRPCAddress)
}

func newServePredictorCommand() *cobra.Command {
	defaults := config.Defaults()
	p := defaults.Predictor

	cmd := &cobra.Command{
		Use:   "serve-predictor",
		Short: "Serve a text generation endpoint with chat sessions",
		Args:  cobra.NoArgs,
	}
	keys := addServerFlags(cmd, defaults.Server)
	cmd.Flags().String("model-name", p.ModelName, "Name the endpoint is served under")
	cmd.Flags().String("runtime", p.Runtime, "Generation runtime (ollama, openai)")
	cmd.Flags().String("model", p.Model, "Model to load in the runtime")
	cmd.Flags().String("ollama-host", p.OllamaHost, "Ollama server (default $OLLAMA_HOST)")
	cmd.Flags().String("openai-base-url", p.OpenAIBaseURL, "Base URL of an OpenAI compatible server")
	cmd.Flags().String("openai-api-key", p.OpenAIAPIKey, "OpenAI API key")
	cmd.Flags().Int("queue-size", p.QueueSize, "Pending generation calls (0 allows concurrent calls)")
	cmd.Flags().Duration("timeout", p.Timeout, "Generation timeout")
	cmd.Flags().String("session-store", p.SessionStore, "Session store (memory, sqlite)")
	cmd.Flags().String("session-db", p.SessionDB, "Path of the sqlite session database")
	for _, name := range []string{
		"model-name", "runtime", "model", "ollama-host", "openai-base-url", "openai-api-key",
		"queue-size", "timeout", "session-store", "session-db",
	} {
		keys[name] = "predictor." + name
	}
	for name, key := range addSessionFlags(cmd, p.Session) {
		keys[name] = "predictor.session." + key
	}

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), keys)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPredictor(ctx, s)
	}
	return cmd
}

func newLoader(p config.PredictorSettings) (endpoint.Loader, error) {
	switch p.Runtime {
	case "ollama":
		if p.OllamaHost != "" {
			// the ollama client is configured from the environment
			if err := os.Setenv("OLLAMA_HOST", p.OllamaHost); err != nil {
				return nil, err
			}
		}
		return ollama.NewLoader(p.Model), nil
	case "openai":
		return openai.NewLoader(p.Model,
			openai.WithAPIKey(p.OpenAIAPIKey),
			openai.WithBaseURL(p.OpenAIBaseURL),
		), nil
	}
	return nil, errors.Errorf("unknown runtime %q", p.Runtime)
}

// generationParams declares top_k and max_length with the configured defaults.
func generationParams(s config.SessionSettings) []gateway.ParamSpec {
	specs := gateway.DefaultParams()
	for i := range specs {
		switch specs[i].Name {
		case "top_k":
			specs[i].Default = s.TopK
		case "max_length":
			specs[i].Default = s.MaxLength
		}
	}
	return specs
}

func sessionOptions(s config.SessionSettings) ([]conversation.Option, error) {
	format, err := s.NewFormat()
	if err != nil {
		return nil, err
	}
	return []conversation.Option{
		conversation.WithSystemPrompt(s.SystemPrompt),
		conversation.WithWordBudget(s.WordBudget),
		conversation.WithFormat(format),
	}, nil
}

func openSessionStore(p config.PredictorSettings) (conversation.Store, func(), error) {
	opts, err := sessionOptions(p.Session)
	if err != nil {
		return nil, nil, err
	}
	factory := conversation.NewFactory(opts...)

	if p.SessionStore == "sqlite" {
		store, err := conversation.OpenSQLiteStore(p.SessionDB, factory)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "could not open session database %s", p.SessionDB)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Could not close session database")
			}
		}, nil
	}
	return conversation.NewMemoryStore(factory), func() {}, nil
}

func runPredictor(ctx context.Context, s *config.Settings) error {
	p := s.Predictor

	loader, err := newLoader(p)
	if err != nil {
		return err
	}

	health := endpoint.NewHealthReporter(nil)
	options := []endpoint.Option{
		endpoint.WithStateObserver(health),
		endpoint.WithPredictTimeout(p.Timeout),
		endpoint.WithCloseTimeout(s.Server.ShutdownTimeout),
	}
	if p.QueueSize > 0 {
		options = append(options, endpoint.WithSerializedCalls(p.QueueSize))
	}
	ep, err := endpoint.New(p.ModelName, loader, options...)
	if err != nil {
		return err
	}
	defer closeEndpoint(ep)

	pubSub := gateway.NewPubSub(log.Logger)
	defer func() {
		_ = pubSub.Close()
	}()

	gw, err := gateway.New(ep,
		gateway.WithMode(gateway.ModeGenerate),
		gateway.WithParams(generationParams(p.Session)...),
		gateway.WithEventSink(gateway.NewWatermillSink(pubSub, gateway.EventTopic)),
	)
	if err != nil {
		return err
	}

	store, closeStore, err := openSessionStore(p)
	if err != nil {
		return err
	}
	defer closeStore()

	client := chat.NewClient(gw, chat.WithParams(p.Session.Params()))

	log.Info().
		Str("model", p.ModelName).
		Str("runtime", p.Runtime).
		Str("session_store", p.SessionStore).
		Msg("Starting predictor")

	go loadUntilReady(ctx, ep)
	go reloadOnHangup(ctx, ep)

	srv := server.New(
		server.WithModel(ep, gw),
		server.WithSessions(store, client),
		server.WithHealthReporter(health),
		server.WithEventLog(pubSub, gateway.EventTopic),
		server.WithShutdownTimeout(s.Server.ShutdownTimeout),
	)
	return srv.Run(ctx, s.Server.HTTPAddress, s.Server.GRPCAddress)
}

// loadUntilReady retries a failed load until it succeeds or ctx is done.
func loadUntilReady(ctx context.Context, ep *endpoint.Endpoint) {
	for {
		err := ep.Load(ctx)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("endpoint", ep.Name()).Dur("retry_in", loadRetryInterval).Msg("Endpoint failed to load")
		select {
		case <-ctx.Done():
			return
		case <-time.After(loadRetryInterval):
		}
	}
}

// reloadOnHangup reloads the artifact on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, ep *endpoint.Endpoint) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := ep.Reload(ctx); err != nil {
				log.Error().Err(err).Str("endpoint", ep.Name()).Msg("Reload on SIGHUP failed")
			}
		}
	}
}

func closeEndpoint(ep *endpoint.Endpoint) {
	if err := ep.Close(); err != nil {
		log.Warn().Err(err).Str("endpoint", ep.Name()).Msg("Could not close endpoint")
	}
}
