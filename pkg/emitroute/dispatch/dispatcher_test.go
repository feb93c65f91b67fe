package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/observability"
	"github.com/randalmurphal/emitroute/pkg/emitroute/topic"
	"github.com/randalmurphal/emitroute/pkg/emitroute/wire"
)

// errorSink collects errors reported by a Dispatcher.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// recorder captures handler invocations.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Handle(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type fakeMetrics struct {
	mu       sync.Mutex
	matched  map[string][]int
	failures map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{matched: map[string][]int{}, failures: map[string]int{}}
}

func (m *fakeMetrics) RecordDispatch(_ context.Context, space string, matched int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matched[space] = append(m.matched[space], matched)
}

func (m *fakeMetrics) RecordHandlerError(_ context.Context, space string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[space]++
}

func (m *fakeMetrics) RecordRequest(context.Context, string, string, time.Duration) {}

var _ observability.MetricsRecorder = (*fakeMetrics)(nil)

func TestDispatch_WildcardDepth(t *testing.T) {
	t.Run("matching topic", func(t *testing.T) {
		d := New()
		h := &recorder{}
		_, err := d.Handle("sensors/+/temperature", h)
		require.NoError(t, err)

		d.Dispatch(context.Background(), "sensors/room1/temperature", []byte("21.5"))

		require.Equal(t, 1, h.count())
		assert.Equal(t, "sensors/room1/temperature", h.msgs[0].Topic)
		assert.Equal(t, []byte("21.5"), h.msgs[0].Payload)
		assert.Equal(t, "sensors/+/temperature", h.msgs[0].Pattern)
	})

	t.Run("wrong depth goes to default handler", func(t *testing.T) {
		def := &recorder{}
		d := New(WithDefaultHandler(def))
		h := &recorder{}
		_, err := d.Handle("sensors/+/temperature", h)
		require.NoError(t, err)

		d.Dispatch(context.Background(), "sensors/temperature", []byte("x"))

		assert.Equal(t, 0, h.count())
		require.Equal(t, 1, def.count())
		assert.Equal(t, "", def.msgs[0].Pattern)
		assert.Equal(t, uint64(1), d.Stats().Unmatched)
		assert.Equal(t, uint64(0), d.Stats().Dropped)
	})

	t.Run("wrong depth without default is dropped silently", func(t *testing.T) {
		sink := &errorSink{}
		d := New(WithErrorHandler(sink.add))
		_, err := d.Handle("sensors/+/temperature", &recorder{})
		require.NoError(t, err)

		d.Dispatch(context.Background(), "sensors/temperature", nil)

		assert.Empty(t, sink.all())
		assert.Equal(t, uint64(1), d.Stats().Dropped)
	})
}

func TestDispatch_SamePatternBothInvoked(t *testing.T) {
	d := New()
	h1, h2 := &recorder{}, &recorder{}
	_, err := d.Handle("a/b", h1)
	require.NoError(t, err)
	_, err = d.Handle("a/b", h2)
	require.NoError(t, err)

	d.Dispatch(context.Background(), "a/b", nil)

	assert.Equal(t, 1, h1.count())
	assert.Equal(t, 1, h2.count())
	assert.Equal(t, uint64(2), d.Stats().Delivered)
}

func TestDispatch_HandlerIsolation(t *testing.T) {
	sink := &errorSink{}
	metrics := newFakeMetrics()
	d := New(WithErrorHandler(sink.add), WithMetrics(metrics))

	var order []string
	_, err := d.HandleFunc("a/+", func(context.Context, Message) error {
		order = append(order, "first")
		return errors.New("first failed")
	}, WithName("first"))
	require.NoError(t, err)
	_, err = d.HandleFunc("a/#", func(context.Context, Message) error {
		order = append(order, "second")
		panic("second exploded")
	}, WithName("second"))
	require.NoError(t, err)
	_, err = d.HandleFunc("a/b", func(context.Context, Message) error {
		order = append(order, "third")
		return nil
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), "a/b", []byte("p"))
	})

	assert.Equal(t, []string{"first", "second", "third"}, order)

	errs := sink.all()
	require.Len(t, errs, 2)

	var first *emerrors.HandlerError
	require.ErrorAs(t, errs[0], &first)
	assert.Equal(t, "first", first.Handler)
	assert.Equal(t, "a/b", first.Topic)
	assert.EqualError(t, first.Err, "first failed")

	var second *emerrors.HandlerError
	require.ErrorAs(t, errs[1], &second)
	assert.Equal(t, "second", second.Handler)
	assert.Equal(t, "second exploded", second.Panic)
	assert.NotEmpty(t, second.Stack)

	assert.Equal(t, uint64(2), d.Stats().Failures)
	assert.Equal(t, 2, metrics.failures[observability.SpaceChannel])
	assert.Equal(t, []int{3}, metrics.matched[observability.SpaceChannel])
}

func TestDispatch_Unsubscribe(t *testing.T) {
	d := New()
	h := &recorder{}
	sub, err := d.Handle("a/b/", h)
	require.NoError(t, err)
	assert.Equal(t, "a/b", sub.Pattern())
	assert.NotZero(t, sub.ID())

	assert.True(t, sub.Unsubscribe())
	assert.False(t, sub.Unsubscribe())

	d.Dispatch(context.Background(), "a/b", nil)
	assert.Equal(t, 0, h.count())

	channels, presence := d.Len()
	assert.Equal(t, 0, channels)
	assert.Equal(t, 0, presence)
}

func TestDispatch_RegistrationErrors(t *testing.T) {
	d := New()

	_, err := d.Handle("a/b", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = d.HandleFunc("a", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = d.Handle("", &recorder{})
	assert.ErrorIs(t, err, topic.ErrEmptyPattern)

	_, err = d.Handle("a/#/b", &recorder{})
	assert.ErrorIs(t, err, topic.ErrInvalidPattern)

	_, err = d.HandlePresence("a", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	assert.ErrorIs(t, d.HandleControl("emitter/x/", nil), ErrNilHandler)
	assert.Error(t, d.HandleControl("other/keygen/", &recorder{}))
	assert.Error(t, d.HandleControl("emitter/", &recorder{}))
}

func TestDispatch_ControlRouting(t *testing.T) {
	sink := &errorSink{}
	d := New(WithErrorHandler(sink.add))

	keygen := &recorder{}
	require.NoError(t, d.HandleControl("emitter/keygen", keygen))

	catchAll := &recorder{}
	_, err := d.Handle("#", catchAll)
	require.NoError(t, err)

	d.Dispatch(context.Background(), "emitter/keygen/", []byte(`{"req":1}`))
	assert.Equal(t, 1, keygen.count())
	assert.Equal(t, 0, catchAll.count())

	d.Dispatch(context.Background(), "emitter/unknown/", nil)
	errs := sink.all()
	require.Len(t, errs, 1)
	var protoErr *emerrors.ProtocolError
	require.ErrorAs(t, errs[0], &protoErr)
	assert.Equal(t, "emitter/unknown/", protoErr.Topic)

	assert.Equal(t, uint64(2), d.Stats().Control)
	assert.Equal(t, "emitter/", d.ControlPrefix())
}

func TestDispatch_ControlErrorsReportedUnchanged(t *testing.T) {
	sink := &errorSink{}
	d := New(WithErrorHandler(sink.add))

	statusErr := &emerrors.StatusError{Code: 401, Message: "unauthorized"}
	require.NoError(t, d.HandleControl("emitter/error/", HandlerFunc(func(context.Context, Message) error {
		return statusErr
	})))
	require.NoError(t, d.HandleControl("emitter/me/", HandlerFunc(func(context.Context, Message) error {
		panic("bad me")
	})))

	d.Dispatch(context.Background(), "emitter/error/", nil)
	d.Dispatch(context.Background(), "emitter/me/", nil)

	errs := sink.all()
	require.Len(t, errs, 2)
	assert.Same(t, statusErr, errs[0])

	var handlerErr *emerrors.HandlerError
	require.ErrorAs(t, errs[1], &handlerErr)
	assert.Equal(t, "bad me", handlerErr.Panic)
}

func TestDispatch_CustomControlPrefix(t *testing.T) {
	d := New(WithControlPrefix("$sys"))
	h := &recorder{}
	require.NoError(t, d.HandleControl("$sys/keygen/", h))

	d.Dispatch(context.Background(), "$sys/keygen/", nil)
	assert.Equal(t, 1, h.count())
	assert.Equal(t, "$sys/", d.ControlPrefix())
}

func TestDispatch_Presence(t *testing.T) {
	sink := &errorSink{}
	metrics := newFakeMetrics()
	d := New(WithErrorHandler(sink.add), WithMetrics(metrics))

	var got []*wire.PresenceEvent
	_, err := d.HandlePresence("sensors/+", PresenceHandlerFunc(func(_ context.Context, evt *wire.PresenceEvent) error {
		got = append(got, evt)
		return nil
	}))
	require.NoError(t, err)
	_, err = d.HandlePresence("lights", PresenceHandlerFunc(func(context.Context, *wire.PresenceEvent) error {
		t.Error("lights handler should not run")
		return nil
	}))
	require.NoError(t, err)

	channelHandler := &recorder{}
	_, err = d.Handle("sensors/+", channelHandler)
	require.NoError(t, err)

	payload := []byte(`{"time":1,"event":"subscribe","channel":"sensors/room1/","who":[{"id":"c1"}]}`)
	d.Dispatch(context.Background(), wire.TopicPresence, payload)

	require.Len(t, got, 1)
	assert.Equal(t, wire.PresenceSubscribe, got[0].Event)
	assert.Equal(t, "c1", got[0].Who[0].ID)
	assert.Equal(t, 0, channelHandler.count())
	assert.Empty(t, sink.all())
	assert.Equal(t, []int{1}, metrics.matched[observability.SpacePresence])
}

func TestDispatch_PresenceErrors(t *testing.T) {
	sink := &errorSink{}
	d := New(WithErrorHandler(sink.add))

	_, err := d.HandlePresence("a", PresenceHandlerFunc(func(context.Context, *wire.PresenceEvent) error {
		return errors.New("presence failed")
	}))
	require.NoError(t, err)

	d.Dispatch(context.Background(), wire.TopicPresence, []byte(`not json`))
	d.Dispatch(context.Background(), wire.TopicPresence, []byte(`{"event":"status"}`))
	d.Dispatch(context.Background(), wire.TopicPresence, []byte(`{"event":"status","channel":"a/"}`))

	errs := sink.all()
	require.Len(t, errs, 3)

	var protoErr *emerrors.ProtocolError
	assert.ErrorAs(t, errs[0], &protoErr)
	assert.ErrorAs(t, errs[1], &protoErr)

	var handlerErr *emerrors.HandlerError
	require.ErrorAs(t, errs[2], &handlerErr)
	assert.Equal(t, "a/", handlerErr.Topic)
}

func TestDispatch_Middleware(t *testing.T) {
	d := New()
	var calls []string

	before := &recorder{}
	_, err := d.Handle("a", before)
	require.NoError(t, err)

	d.Use(func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) error {
			calls = append(calls, "outer")
			return next.Handle(ctx, msg)
		})
	})
	d.Use(func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) error {
			calls = append(calls, "inner")
			return next.Handle(ctx, msg)
		})
	})

	after := &recorder{}
	_, err = d.Handle("a", after)
	require.NoError(t, err)

	d.Dispatch(context.Background(), "a", nil)

	assert.Equal(t, 1, before.count())
	assert.Equal(t, 1, after.count())
	assert.Equal(t, []string{"outer", "inner"}, calls)
}

func TestDispatch_MetricsMiddleware(t *testing.T) {
	d := New()
	var seen []string
	d.Use(MetricsMiddleware(func(topic string, _ time.Duration, err error) {
		seen = append(seen, topic)
	}))
	d.Use(TimeoutMiddleware(time.Second))

	_, err := d.HandleFunc("a/+", func(ctx context.Context, _ Message) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	d.Dispatch(context.Background(), "a/x", nil)
	assert.Equal(t, []string{"a/x"}, seen)
}

func TestDispatch_RegisterDuringDispatch(t *testing.T) {
	d := New()
	late := &recorder{}

	var sub *Subscription
	_, err := d.HandleFunc("a", func(context.Context, Message) error {
		if sub == nil {
			var err error
			sub, err = d.Handle("a", late)
			return err
		}
		return nil
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Dispatch(context.Background(), "a", nil)
		d.Dispatch(context.Background(), "a", nil)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch deadlocked")
	}
	assert.Equal(t, 1, late.count())
	assert.True(t, sub.Unsubscribe())
}

func TestDispatch_PrefixPolicy(t *testing.T) {
	d := New(WithPolicy(topic.PolicyPrefix))
	h := &recorder{}
	_, err := d.Handle("a/b", h)
	require.NoError(t, err)

	d.Dispatch(context.Background(), "a/b/c/d", nil)
	assert.Equal(t, 1, h.count())
}

func TestDispatch_ErrorHandlerPanicContained(t *testing.T) {
	d := New(WithErrorHandler(func(error) { panic("sink broken") }))
	_, err := d.HandleFunc("a", func(context.Context, Message) error {
		return errors.New("x")
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), "a", nil)
	})
}

func TestDispatch_SetDefaultHandlerAndClear(t *testing.T) {
	d := New()
	def := &recorder{}
	d.SetDefaultHandler(def)

	h := &recorder{}
	_, err := d.Handle("a", h)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, d.Patterns())

	d.Clear()
	d.Dispatch(context.Background(), "a", nil)
	assert.Equal(t, 0, h.count())
	assert.Equal(t, 1, def.count())

	d.SetDefaultHandler(nil)
	d.Dispatch(context.Background(), "a", nil)
	assert.Equal(t, 1, def.count())
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

func TestDispatch_ConcurrentDispatchAndRegister(t *testing.T) {
	d := New()
	h := &recorder{}
	_, err := d.Handle("a/+", h)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Dispatch(context.Background(), "a/x", nil)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub, err := d.Handle("b/+", &recorder{})
				if err == nil {
					sub.Unsubscribe()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, h.count())
	assert.Equal(t, uint64(400), d.Stats().Dispatched)
}
