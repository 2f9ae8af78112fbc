// Package endpoint owns a loaded model artifact and exposes a synchronous,
// concurrency-safe Predict behind an explicit load state machine.
//
// Only a Ready endpoint accepts calls. Model failures, panics included, come
// back as *InferenceError; calls on an endpoint that is not Ready come back as
// *NotReadyError without ever reaching the model.
package endpoint

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCloseTimeout bounds how long Close waits for in-flight calls.
const DefaultCloseTimeout = 30 * time.Second

type Endpoint struct {
	name           string
	loader         Loader
	predictTimeout time.Duration
	closeTimeout   time.Duration
	queueSize      int
	observers      []StateObserver

	mu     sync.RWMutex
	state  State
	loaded *loadedModel
	err    error
	closed bool

	queue *callQueue
}

// loadedModel tracks in-flight calls so a replaced artifact is only closed
// once nothing uses it any more.
type loadedModel struct {
	model    Model
	inflight sync.WaitGroup
}

type Option func(*Endpoint)

// WithSerializedCalls funnels every Predict through a single worker reading a
// queue of queueSize pending calls. Use it for runtimes that are not safe for
// concurrent use.
func WithSerializedCalls(queueSize int) Option {
	return func(e *Endpoint) {
		if queueSize < 1 {
			queueSize = 1
		}
		e.queueSize = queueSize
	}
}

// WithPredictTimeout bounds every Predict call. Zero disables the bound.
func WithPredictTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.predictTimeout = d
	}
}

// WithCloseTimeout bounds how long Close waits for in-flight calls before it
// gives up on them. Zero or less waits forever.
func WithCloseTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.closeTimeout = d
	}
}

func WithStateObserver(o StateObserver) Option {
	return func(e *Endpoint) {
		e.observers = append(e.observers, o)
	}
}

func New(name string, loader Loader, options ...Option) (*Endpoint, error) {
	if loader == nil {
		return nil, ErrNilLoader
	}
	e := &Endpoint{
		name:         name,
		loader:       loader,
		state:        Unloaded,
		closeTimeout: DefaultCloseTimeout,
	}
	for _, o := range options {
		o(e)
	}
	if e.queueSize > 0 {
		e.queue = newCallQueue(e.queueSize)
	}
	e.notify(Unloaded)
	return e, nil
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Ready is the readiness signal: true only after a successful load.
func (e *Endpoint) Ready() bool {
	return e.State() == Ready
}

// Err returns the error retained from the last failed load.
func (e *Endpoint) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

func (e *Endpoint) notify(s State) {
	for _, o := range e.observers {
		o.ObserveState(e.name, s)
	}
}

// Load moves an Unloaded or Failed endpoint through Loading to Ready or
// Failed. It is a no-op on a Ready endpoint.
func (e *Endpoint) Load(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	switch e.state {
	case Ready:
		e.mu.Unlock()
		return nil
	case Loading:
		e.mu.Unlock()
		return ErrLoadInProgress
	case Unloaded, Failed:
	}
	e.state = Loading
	e.mu.Unlock()
	e.notify(Loading)

	return e.finishLoad(ctx, nil)
}

// Reload builds a fresh artifact and swaps it in. While the new artifact loads
// the endpoint is not Ready. The previous artifact is released either way.
func (e *Endpoint) Reload(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state == Loading {
		e.mu.Unlock()
		return ErrLoadInProgress
	}
	old := e.loaded
	e.loaded = nil
	e.state = Loading
	e.mu.Unlock()
	e.notify(Loading)

	log.Info().Str("endpoint", e.name).Msg("Reloading model")
	return e.finishLoad(ctx, old)
}

func (e *Endpoint) finishLoad(ctx context.Context, old *loadedModel) error {
	start := time.Now()
	model, err := e.safeLoad(ctx)

	if old != nil {
		go releaseModel(e.name, old)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if model != nil {
			closeModel(e.name, model)
		}
		return ErrClosed
	}
	if err != nil {
		e.err = err
		e.state = Failed
		e.mu.Unlock()
		log.Error().Err(err).Str("endpoint", e.name).Dur("duration", time.Since(start)).Msg("Model load failed")
		e.notify(Failed)
		return fmt.Errorf("loading endpoint %s: %w", e.name, err)
	}
	e.loaded = &loadedModel{model: model}
	e.err = nil
	e.state = Ready
	e.mu.Unlock()

	log.Info().Str("endpoint", e.name).Dur("duration", time.Since(start)).Msg("Model ready")
	e.notify(Ready)
	return nil
}

func (e *Endpoint) safeLoad(ctx context.Context) (model Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("endpoint", e.name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Model loader panicked")
			model, err = nil, fmt.Errorf("loader panicked: %v", r)
		}
	}()
	model, err = e.loader.Load(ctx)
	if err == nil && model == nil {
		err = fmt.Errorf("loader returned no model")
	}
	return model, err
}

// Predict runs the model on in. It never blocks on a non-Ready endpoint.
func (e *Endpoint) Predict(ctx context.Context, in Input, params Params) (Result, error) {
	if e.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.predictTimeout)
		defer cancel()
	}

	e.mu.RLock()
	if e.state != Ready || e.loaded == nil {
		nre := &NotReadyError{Name: e.name, State: e.state, Cause: e.err}
		e.mu.RUnlock()
		return Result{}, nre
	}
	lm := e.loaded
	lm.inflight.Add(1)
	e.mu.RUnlock()

	c := func(ctx context.Context) (Result, error) {
		return safePredict(ctx, e.name, lm.model, in, params)
	}

	var res Result
	var err error
	if e.queue != nil {
		res, err = e.queue.do(ctx, c, lm.inflight.Done)
	} else {
		res, err = runWithContext(ctx, c, lm.inflight.Done)
	}
	if err != nil {
		log.Debug().Err(err).Str("endpoint", e.name).Msg("Prediction failed")
		return Result{}, &InferenceError{Name: e.name, Err: err}
	}
	return res, nil
}

func safePredict(ctx context.Context, name string, m Model, in Input, params Params) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("endpoint", name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Model panicked")
			res, err = Result{}, fmt.Errorf("model panicked: %v", r)
		}
	}()
	return m.Predict(ctx, in, params)
}

type outcome struct {
	res Result
	err error
}

// Close releases the artifact and stops the call queue. The endpoint cannot
// be loaded again afterwards. Calls still running after the close timeout are
// abandoned and Close returns ErrCloseTimeout; their artifact is then closed
// whenever they finish.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	lm := e.loaded
	e.loaded = nil
	e.state = Unloaded
	e.mu.Unlock()
	e.notify(Unloaded)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// in-flight calls still need the queue worker
		if lm != nil {
			releaseModel(e.name, lm)
		}
		if e.queue != nil {
			e.queue.stop()
		}
	}()

	if e.closeTimeout > 0 {
		timer := time.NewTimer(e.closeTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			log.Warn().Str("endpoint", e.name).Dur("timeout", e.closeTimeout).Msg("In-flight calls did not finish, abandoning them")
			return fmt.Errorf("closing endpoint %s: %w", e.name, ErrCloseTimeout)
		}
	} else {
		<-done
	}
	log.Info().Str("endpoint", e.name).Msg("Endpoint closed")
	return nil
}

func releaseModel(name string, lm *loadedModel) {
	lm.inflight.Wait()
	closeModel(name, lm.model)
}

func closeModel(name string, m Model) {
	if c, ok := m.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("endpoint", name).Msg("Failed to close model")
		}
	}
}
