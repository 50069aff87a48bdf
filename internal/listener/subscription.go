package listener

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/edgetel/internal/actions"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/telemetry"
)

// Emitter receives the events produced by a subscription.
type Emitter func(event.DataEvent)

// Spec describes one declared listener.
type Spec struct {
	Namespace string
	Name      string
	Key       Key
	Chain     *actions.Chain
	QueueSize int
}

// Subscription is a namespace's view of a shared socket. Messages are
// queued without blocking the socket and processed by a dedicated worker;
// when the queue is full new messages are dropped. A subscription ignores
// traffic until Start is called.
type Subscription struct {
	spec    Spec
	key     Key
	table   *SocketTable
	emit    Emitter
	metrics telemetry.Recorder
	log     logger.Logger
	now     func() time.Time

	active atomic.Bool
	mu     sync.RWMutex
	queue  chan []byte
	closed bool
	done   chan struct{}
	once   sync.Once
}

// Subscribe attaches a paused listener to the socket for spec.Key, binding
// it if needed, and starts its worker. Bind failures return a
// listener_bind_error.
func (t *SocketTable) Subscribe(spec Spec, emit Emitter) (*Subscription, error) {
	size := spec.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	sub := &Subscription{
		spec:    spec,
		key:     spec.Key,
		table:   t,
		emit:    emit,
		metrics: t.metrics,
		log: t.log.With("namespace", spec.Namespace).
			With("listener", spec.Name),
		now:   time.Now,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}

	if err := t.attach(sub); err != nil {
		return nil, err
	}

	go sub.run()

	return sub, nil
}

func (s *Subscription) Key() Key {
	return s.key
}

// Start begins queueing messages received on the socket.
func (s *Subscription) Start() {
	s.active.Store(true)
}

// offer queues msg without blocking.
func (s *Subscription) offer(msg []byte) {
	if !s.active.Load() {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.queue <- msg:
	default:
		s.metrics.Dropped(s.spec.Namespace, telemetry.StageListener, s.spec.Name)
		s.log.Debug().Msg("Ingestion queue full, dropping message")
	}
}

func (s *Subscription) run() {
	defer close(s.done)

	tags := map[string]string{
		"namespace": s.spec.Namespace,
		"listener":  s.spec.Name,
		"protocol":  string(s.key.Protocol),
		"port":      strconv.Itoa(s.key.Port),
	}

	for msg := range s.queue {
		payload := s.spec.Chain.Apply(ParseMessage(msg))
		eventTags := make(map[string]string, len(tags))
		for k, v := range tags {
			eventTags[k] = v
		}
		s.emit(event.New(s.now(), event.SourceListener, s.spec.Namespace, s.spec.Name, payload, eventTags))
	}
}

// Close detaches the subscription, closing the socket when no other
// subscription uses it, and waits for queued messages to be processed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.table.detach(s)

		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		<-s.done
	})
}
