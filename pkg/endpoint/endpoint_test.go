package endpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type countingModel struct {
	calls  atomic.Int32
	closed atomic.Bool
	fn     func(ctx context.Context, in Input, params Params) (Result, error)
}

func (m *countingModel) Predict(ctx context.Context, in Input, params Params) (Result, error) {
	m.calls.Add(1)
	if m.fn != nil {
		return m.fn(ctx, in, params)
	}
	preds := make([]any, len(in.Vectors))
	for i, v := range in.Vectors {
		preds[i] = len(v.OnBits())
	}
	return Result{Predictions: preds}, nil
}

func (m *countingModel) Close() error {
	m.closed.Store(true)
	return nil
}

func loaderFor(m Model) Loader {
	return LoaderFunc(func(ctx context.Context) (Model, error) {
		return m, nil
	})
}

func TestPredictBeforeLoadIsNotReady(t *testing.T) {
	m := &countingModel{}
	e, err := New("m", loaderFor(m))
	require.NoError(t, err)
	assert.Equal(t, Unloaded, e.State())
	assert.False(t, e.Ready())

	_, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
	var nre *NotReadyError
	require.True(t, errors.As(err, &nre))
	assert.Equal(t, Unloaded, nre.State)
	assert.Equal(t, "m", nre.Name)
	assert.Equal(t, int32(0), m.calls.Load())
}

func TestLoadAndPredict(t *testing.T) {
	m := &countingModel{}
	e, err := New("m", loaderFor(m))
	require.NoError(t, err)

	require.NoError(t, e.Load(context.Background()))
	assert.True(t, e.Ready())
	assert.Equal(t, Ready, e.State())
	assert.NoError(t, e.Err())

	// Load on a Ready endpoint is a no-op.
	require.NoError(t, e.Load(context.Background()))

	res, err := e.Predict(context.Background(), Input{Vectors: []features.Vector{{1, 0, 1}, {0, 0, 1}}}, Params{"top_k": 5})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 1}, res.Predictions)

	require.NoError(t, e.Close())
	assert.True(t, m.closed.Load())
	assert.Equal(t, Unloaded, e.State())
	assert.ErrorIs(t, e.Load(context.Background()), ErrClosed)
}

func TestFailedLoadIsRetainedAndRetryable(t *testing.T) {
	attempts := 0
	boom := errors.New("artifact missing")
	m := &countingModel{}
	e, err := New("m", LoaderFunc(func(ctx context.Context) (Model, error) {
		attempts++
		if attempts == 1 {
			return nil, boom
		}
		return m, nil
	}))
	require.NoError(t, err)

	err = e.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, e.State())
	assert.ErrorIs(t, e.Err(), boom)

	_, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
	var nre *NotReadyError
	require.True(t, errors.As(err, &nre))
	assert.Equal(t, Failed, nre.State)
	assert.ErrorIs(t, nre.Cause, boom)
	assert.Equal(t, int32(0), m.calls.Load())

	require.NoError(t, e.Load(context.Background()))
	assert.True(t, e.Ready())
	assert.NoError(t, e.Err())
}

func TestLoaderPanicFailsTheLoad(t *testing.T) {
	e, err := New("m", LoaderFunc(func(ctx context.Context) (Model, error) {
		panic("corrupt file")
	}))
	require.NoError(t, err)

	err = e.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt file")
	assert.Equal(t, Failed, e.State())
}

func TestNilModelFailsTheLoad(t *testing.T) {
	e, err := New("m", LoaderFunc(func(ctx context.Context) (Model, error) {
		return nil, nil
	}))
	require.NoError(t, err)
	require.Error(t, e.Load(context.Background()))
	assert.Equal(t, Failed, e.State())
}

func TestNewRejectsNilLoader(t *testing.T) {
	_, err := New("m", nil)
	assert.ErrorIs(t, err, ErrNilLoader)
}

func TestModelFailuresBecomeInferenceErrors(t *testing.T) {
	boom := errors.New("cuda exploded")

	t.Run("error", func(t *testing.T) {
		e, err := New("m", loaderFor(ModelFunc(func(ctx context.Context, in Input, params Params) (Result, error) {
			return Result{}, boom
		})))
		require.NoError(t, err)
		require.NoError(t, e.Load(context.Background()))

		_, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
		var ie *InferenceError
		require.True(t, errors.As(err, &ie))
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsTimeout(err))
	})

	t.Run("panic", func(t *testing.T) {
		e, err := New("m", loaderFor(ModelFunc(func(ctx context.Context, in Input, params Params) (Result, error) {
			panic("index out of range")
		})))
		require.NoError(t, err)
		require.NoError(t, e.Load(context.Background()))

		_, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
		var ie *InferenceError
		require.True(t, errors.As(err, &ie))
		assert.Contains(t, ie.Error(), "index out of range")
		// the endpoint stays usable
		assert.True(t, e.Ready())
	})
}

func TestPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	e, err := New("slow", loaderFor(ModelFunc(func(ctx context.Context, in Input, params Params) (Result, error) {
		<-release
		return Result{Text: "late"}, nil
	})), WithPredictTimeout(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))

	_, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
}

func TestSerializedCallsRunOneAtATime(t *testing.T) {
	var active, maxActive atomic.Int32
	var order []string
	var mu sync.Mutex

	m := ModelFunc(func(ctx context.Context, in Input, params Params) (Result, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, in.Prompt)
		mu.Unlock()
		return Result{Text: in.Prompt}, nil
	})

	e, err := New("serial", loaderFor(m), WithSerializedCalls(16))
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))
	defer func() { _ = e.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Predict(context.Background(), Input{Prompt: string(rune('a' + i))}, nil)
			assert.NoError(t, err)
			assert.Equal(t, string(rune('a'+i)), res.Text)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Len(t, order, 8)
}

func TestSerializedQueueRespectsDeadline(t *testing.T) {
	release := make(chan struct{})
	m := ModelFunc(func(ctx context.Context, in Input, params Params) (Result, error) {
		<-release
		return Result{Text: "done"}, nil
	})
	e, err := New("serial", loaderFor(m), WithSerializedCalls(1))
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))

	// occupy the worker
	go func() { _, _ = e.Predict(context.Background(), Input{Prompt: "first"}, nil) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Predict(ctx, Input{Prompt: "second"}, nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	close(release)
	require.NoError(t, e.Close())
}

func TestCloseGivesUpOnStuckCalls(t *testing.T) {
	for name, options := range map[string][]Option{
		"concurrent": nil,
		"serialized": {WithSerializedCalls(1)},
	} {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			m := &countingModel{fn: func(ctx context.Context, in Input, params Params) (Result, error) {
				<-release
				return Result{Text: "late"}, nil
			}}
			options := append([]Option{WithPredictTimeout(10 * time.Millisecond), WithCloseTimeout(50 * time.Millisecond)}, options...)
			e, err := New("stuck", loaderFor(m), options...)
			require.NoError(t, err)
			require.NoError(t, e.Load(context.Background()))

			_, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
			require.True(t, IsTimeout(err))

			start := time.Now()
			err = e.Close()
			assert.ErrorIs(t, err, ErrCloseTimeout)
			assert.Less(t, time.Since(start), time.Second)
			assert.False(t, m.closed.Load())
			assert.Equal(t, Unloaded, e.State())

			// the abandoned call still releases the artifact once it returns
			close(release)
			assert.Eventually(t, m.closed.Load, time.Second, 5*time.Millisecond)
		})
	}
}

func TestReloadSwapsArtifact(t *testing.T) {
	first := &countingModel{fn: func(ctx context.Context, in Input, params Params) (Result, error) {
		return Result{Text: "first"}, nil
	}}
	second := &countingModel{fn: func(ctx context.Context, in Input, params Params) (Result, error) {
		return Result{Text: "second"}, nil
	}}
	models := []*countingModel{first, second}
	n := 0
	e, err := New("m", LoaderFunc(func(ctx context.Context) (Model, error) {
		m := models[n]
		n++
		return m, nil
	}))
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))

	res, err := e.Predict(context.Background(), Input{Prompt: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)

	require.NoError(t, e.Reload(context.Background()))
	res, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Text)

	assert.Eventually(t, first.closed.Load, time.Second, 5*time.Millisecond)
	assert.False(t, second.closed.Load())
}

func TestReloadFailureLeavesEndpointFailed(t *testing.T) {
	first := &countingModel{}
	n := 0
	e, err := New("m", LoaderFunc(func(ctx context.Context) (Model, error) {
		n++
		if n > 1 {
			return nil, errors.New("new weights are broken")
		}
		return first, nil
	}))
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))

	require.Error(t, e.Reload(context.Background()))
	assert.Equal(t, Failed, e.State())
	assert.Eventually(t, first.closed.Load, time.Second, 5*time.Millisecond)

	_, err = e.Predict(context.Background(), Input{Prompt: "x"}, nil)
	var nre *NotReadyError
	require.True(t, errors.As(err, &nre))
}

func TestParamsInt(t *testing.T) {
	p := Params{"a": 3, "b": float64(7), "c": "11", "d": 2.5, "e": []int{1}}

	v, err := p.Int("a", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = p.Int("b", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = p.Int("c", 0)
	require.NoError(t, err)
	assert.Equal(t, 11, v)

	v, err = p.Int("missing", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = p.Int("d", 0)
	assert.Error(t, err)
	_, err = p.Int("e", 0)
	assert.Error(t, err)
}

func TestHealthReporterTracksReadiness(t *testing.T) {
	reporter := NewHealthReporter(nil)
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := reporter.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	e, err := New("molecules", loaderFor(&countingModel{}), WithStateObserver(reporter))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("molecules"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	require.NoError(t, e.Load(ctx))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("molecules"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))

	require.NoError(t, e.Close())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("molecules"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "unloaded", Unloaded.String())
	assert.Equal(t, "loading", Loading.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "failed", Failed.String())
	text, err := Ready.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ready", string(text))
}
