package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/edgetel/internal/dispatch"
	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/sink"
	"codeberg.org/mutker/edgetel/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []event.DataEvent
	fail   bool
	block  chan struct{}
}

func (*recordingSink) Configure(context.Context, map[string]any) error { return nil }
func (*recordingSink) Close() error                                    { return nil }

func (s *recordingSink) Send(ctx context.Context, ev event.DataEvent) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail {
		return errors.New().WithMessage(errors.ErrDelivery, "sink down")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type panicSink struct{ recordingSink }

func (*panicSink) Send(context.Context, event.DataEvent) error { panic("boom") }

func newEvent(ns string, n int) event.DataEvent {
	return event.New(time.Now(), event.SourcePoller, ns, "p", tree.Map(map[string]tree.Value{
		"n": tree.Number(float64(n)),
	}), nil)
}

func TestFailingSinkDoesNotBlockSiblings(t *testing.T) {
	r := dispatch.NewRouter()
	defer r.Close()

	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	_, err := r.InstallNamespace("lab", []dispatch.SinkSpec{
		{Name: "a", Type: "http", Mode: sink.ModePush, Sink: bad},
		{Name: "b", Type: "default", Mode: sink.ModePush, Sink: good},
	})
	require.NoError(t, err)

	for i := range 10 {
		r.Dispatch(newEvent("lab", i))
	}

	require.Eventually(t, func() bool { return good.count() == 10 }, 2*time.Second, 5*time.Millisecond)

	good.mu.Lock()
	defer good.mu.Unlock()
	for i, ev := range good.events {
		v, _ := ev.Payload.Get("n")
		n, _ := v.Number()
		assert.InDelta(t, float64(i), n, 0)
	}
}

func TestPanickingSinkIsIsolated(t *testing.T) {
	r := dispatch.NewRouter()
	defer r.Close()

	good := &recordingSink{}
	_, err := r.InstallNamespace("lab", []dispatch.SinkSpec{
		{Name: "a", Mode: sink.ModePush, Sink: &panicSink{}},
		{Name: "b", Mode: sink.ModePush, Sink: good},
	})
	require.NoError(t, err)

	r.Dispatch(newEvent("lab", 1))
	r.Dispatch(newEvent("lab", 2))

	require.Eventually(t, func() bool { return good.count() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestFullQueueDropsEvents(t *testing.T) {
	r := dispatch.NewRouter(dispatch.WithQueueSize(1), dispatch.WithSendTimeout(time.Second))

	slow := &recordingSink{block: make(chan struct{})}
	_, err := r.InstallNamespace("lab", []dispatch.SinkSpec{
		{Name: "slow", Mode: sink.ModePush, Sink: slow},
	})
	require.NoError(t, err)

	for i := range 20 {
		r.Dispatch(newEvent("lab", i))
	}
	close(slow.block)
	r.Close()

	assert.Less(t, slow.count(), 20)
}

func TestUnknownNamespaceIsDropped(t *testing.T) {
	r := dispatch.NewRouter()
	defer r.Close()

	assert.NotPanics(t, func() { r.Dispatch(newEvent("nowhere", 1)) })
	assert.Equal(t, 0, r.Namespaces())
}

func TestPullSnapshotReplaced(t *testing.T) {
	r := dispatch.NewRouter()
	defer r.Close()

	_, err := r.InstallNamespace("lab", []dispatch.SinkSpec{
		{Name: "state", Type: "default", Mode: sink.ModePull, Sink: sink.NewJSON()},
	})
	require.NoError(t, err)

	_, _, err = r.Render("lab", "state")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrResourceNotFound))

	first := newEvent("lab", 1)
	second := newEvent("lab", 2)
	r.Dispatch(first)
	r.Dispatch(second)

	got, ok := r.Snapshot("lab", "state")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	body, contentType, err := r.Render("lab", "state")
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Contains(t, string(body), `"n":2`)
}

func TestReinstallKeepsSurvivingSnapshots(t *testing.T) {
	r := dispatch.NewRouter()
	defer r.Close()

	specs := []dispatch.SinkSpec{
		{Name: "state", Mode: sink.ModePull, Sink: sink.NewJSON()},
		{Name: "other", Mode: sink.ModePull, Sink: sink.NewJSON()},
	}
	_, err := r.InstallNamespace("lab", specs)
	require.NoError(t, err)
	r.Dispatch(newEvent("lab", 1))

	detached, err := r.InstallNamespace("lab", specs[:1])
	require.NoError(t, err)
	detached.Wait()

	_, ok := r.Snapshot("lab", "state")
	assert.True(t, ok)
	_, ok = r.Snapshot("lab", "other")
	assert.False(t, ok)

	r.RemoveNamespace("lab").Wait()
	_, ok = r.Snapshot("lab", "state")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Namespaces())
}

func TestRemovedNamespaceKeepsNoSnapshot(t *testing.T) {
	r := dispatch.NewRouter()
	defer r.Close()

	specs := []dispatch.SinkSpec{{Name: "state", Mode: sink.ModePull, Sink: sink.NewJSON()}}
	for i := 0; i < 50; i++ {
		_, err := r.InstallNamespace("lab", specs)
		require.NoError(t, err)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
					r.Dispatch(newEvent("lab", n))
				}
			}
		}()

		time.Sleep(time.Millisecond)
		r.RemoveNamespace("lab").Wait()
		_, ok := r.Snapshot("lab", "state")
		assert.False(t, ok)

		close(stop)
		wg.Wait()

		// a reinstalled sink starts empty
		_, err = r.InstallNamespace("lab", specs)
		require.NoError(t, err)
		_, ok = r.Snapshot("lab", "state")
		require.False(t, ok, "iteration %d", i)
		r.RemoveNamespace("lab").Wait()
	}
}

func TestSnapshotsPutChecksLiveness(t *testing.T) {
	s := dispatch.NewSnapshots()
	s.Put("lab", "state", newEvent("lab", 1), func() bool { return false })
	_, ok := s.Get("lab", "state")
	assert.False(t, ok)

	s.Put("lab", "state", newEvent("lab", 2), func() bool { return true })
	_, ok = s.Get("lab", "state")
	assert.True(t, ok)
}

func TestInstallRejectsModeMismatch(t *testing.T) {
	r := dispatch.NewRouter()
	defer r.Close()

	_, err := r.InstallNamespace("lab", []dispatch.SinkSpec{
		{Name: "state", Mode: sink.ModePush, Sink: sink.NewJSON()},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidDeclaration))
	assert.Equal(t, 0, r.Namespaces())
}
