package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/sink"
	"codeberg.org/mutker/edgetel/internal/telemetry"
)

// worker delivers to one push sink in production order. Events arriving
// while the queue is full are dropped.
type worker struct {
	namespace string
	spec      SinkSpec
	pusher    sink.Pusher

	queue   chan event.DataEvent
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
	metrics telemetry.Recorder
	log     logger.Logger
}

func (w *worker) start(r *Router) {
	w.queue = make(chan event.DataEvent, r.queueSize)
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	w.timeout = r.sendTimeout
	w.metrics = r.metrics
	w.log = r.log.With("namespace", w.namespace).With("sink", w.spec.Name)

	go w.run()
}

func (w *worker) offer(ev event.DataEvent) {
	select {
	case <-w.quit:
		return
	default:
	}

	select {
	case w.queue <- ev:
	default:
		w.metrics.Dropped(w.namespace, telemetry.StageDispatch, w.spec.Name)
		w.log.Warn().Msg("Sink queue full, dropping event")
	}
}

// stop ends the worker after its current send. Queued events are dropped.
func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
}

func (w *worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.quit:
			return
		case ev := <-w.queue:
			w.deliver(ev)
		}
	}
}

func (w *worker) deliver(ev event.DataEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.send(ctx, ev); err != nil {
		w.metrics.Delivery(w.namespace, w.spec.Name, telemetry.ResultFailure)
		w.log.ErrorWithCode(err).
			Str("type", w.spec.Type).
			Str("origin", ev.Origin()).
			Msg("Delivery failed")
		return
	}

	w.metrics.Delivery(w.namespace, w.spec.Name, telemetry.ResultSuccess)
}

func (w *worker) send(ctx context.Context, ev event.DataEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New().WithMessage(errors.ErrDelivery, fmt.Sprintf("sink panicked: %v", rec))
		}
	}()

	if err := w.pusher.Send(ctx, ev); err != nil {
		if errors.HasCode(err, errors.ErrDelivery) {
			return err
		}
		return errors.New().Wrapf(errors.ErrDelivery, err, "sink %q", w.spec.Name)
	}

	return nil
}
