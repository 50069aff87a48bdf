// Package listener accepts push-style traffic on TCP and UDP sockets and
// turns it into discrete events.
package listener

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/telemetry"
)

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

const (
	readBufferSize     = 4096
	maxDatagramSize    = 65535
	DefaultMaxMessage  = 64 * 1024
	DefaultQueueSize   = 4096
	udpSocketBufferLen = 2 * 1024 * 1024

	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = time.Second
)

// Key identifies a bound socket. TCP and UDP on the same port are
// independent sockets.
type Key struct {
	Port     int
	Protocol Protocol
}

func (k Key) String() string {
	return string(k.Protocol) + "/" + strconv.Itoa(k.Port)
}

// SocketTable owns every bound listener socket. Subscriptions from any
// number of namespaces share the socket for their key; the socket is bound
// by the first subscription and closed when the last one leaves.
type SocketTable struct {
	mu             sync.Mutex
	sockets        map[Key]*socket
	host           string
	maxMessageSize int
	metrics        telemetry.Recorder
	log            logger.Logger
}

type TableOption func(*SocketTable)

// WithHost binds sockets on host instead of all interfaces.
func WithHost(host string) TableOption {
	return func(t *SocketTable) { t.host = host }
}

func WithMaxMessageSize(n int) TableOption {
	return func(t *SocketTable) {
		if n > 0 {
			t.maxMessageSize = n
		}
	}
}

func WithRecorder(r telemetry.Recorder) TableOption {
	return func(t *SocketTable) { t.metrics = telemetry.OrNop(r) }
}

func NewSocketTable(opts ...TableOption) *SocketTable {
	t := &SocketTable{
		sockets:        make(map[Key]*socket),
		maxMessageSize: DefaultMaxMessage,
		metrics:        telemetry.Nop(),
		log:            logger.Component("listener"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Addr returns the bound address for key, or nil when no socket is bound.
func (t *SocketTable) Addr(key Key) net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sockets[key]
	if !ok {
		return nil
	}
	return s.addr()
}

// Bound reports whether a socket is open for key.
func (t *SocketTable) Bound(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.sockets[key]
	return ok
}

func (t *SocketTable) attach(sub *Subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sockets[sub.key]
	if !ok {
		var err error
		s, err = t.bind(sub.key)
		if err != nil {
			return err
		}
		t.sockets[sub.key] = s
		t.log.Info().Str("socket", sub.key.String()).Str("address", s.addr().String()).Msg("Listener socket bound")
	}
	s.add(sub)

	return nil
}

func (t *SocketTable) detach(sub *Subscription) {
	t.mu.Lock()
	s, ok := t.sockets[sub.key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if s.remove(sub) > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.sockets, sub.key)
	t.mu.Unlock()

	s.close()
	t.log.Info().Str("socket", sub.key.String()).Msg("Listener socket closed")
}

// Close closes every socket. Subscriptions stay attached to nothing and
// their workers keep draining until they are closed.
func (t *SocketTable) Close() {
	t.mu.Lock()
	sockets := t.sockets
	t.sockets = make(map[Key]*socket)
	t.mu.Unlock()

	for _, s := range sockets {
		s.close()
	}
}

func (t *SocketTable) bind(key Key) (*socket, error) {
	errFactory := errors.New()
	address := net.JoinHostPort(t.host, strconv.Itoa(key.Port))

	s := newSocket(key, t.maxMessageSize, t.metrics, t.log.With("socket", key.String()))

	switch key.Protocol {
	case TCP:
		ln, err := net.Listen("tcp", address)
		if err != nil {
			return nil, errFactory.Wrapf(errors.ErrListenerBind, err, "bind %s", key)
		}
		s.ln = ln
		s.wg.Add(1)
		go s.acceptLoop()
	case UDP:
		udpAddr, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return nil, errFactory.Wrapf(errors.ErrListenerBind, err, "resolve %s", key)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, errFactory.Wrapf(errors.ErrListenerBind, err, "bind %s", key)
		}
		if err := conn.SetReadBuffer(udpSocketBufferLen); err != nil {
			s.log.Warn().Err(err).Int("buffer_size", udpSocketBufferLen).Msg("Could not set UDP buffer size")
		}
		s.pc = conn
		s.wg.Add(1)
		go s.readLoop()
	default:
		return nil, errFactory.WithMessagef(errors.ErrListenerBind, "unsupported protocol %q", key.Protocol)
	}

	return s, nil
}

type socket struct {
	key     Key
	max     int
	metrics telemetry.Recorder
	log     logger.Logger

	ln net.Listener
	pc *net.UDPConn

	subs atomic.Pointer[[]*Subscription]

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

func newSocket(key Key, maxMessage int, metrics telemetry.Recorder, log logger.Logger) *socket {
	s := &socket{
		key:     key,
		max:     maxMessage,
		metrics: metrics,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
		quit:    make(chan struct{}),
	}
	s.subs.Store(&[]*Subscription{})
	return s
}

func (s *socket) addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return s.pc.LocalAddr()
}

// add and remove are serialized by the table lock.
func (s *socket) add(sub *Subscription) {
	cur := *s.subs.Load()
	next := make([]*Subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, sub)
	s.subs.Store(&next)
}

func (s *socket) remove(sub *Subscription) int {
	cur := *s.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, existing := range cur {
		if existing != sub {
			next = append(next, existing)
		}
	}
	s.subs.Store(&next)
	return len(next)
}

func (s *socket) deliver(msg []byte) {
	s.metrics.ListenerMessage(string(s.key.Protocol), s.key.Port)
	for _, sub := range *s.subs.Load() {
		sub.offer(msg)
	}
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}
	s.wg.Wait()
}

// retryDelay doubles prev within [minRetryDelay, maxRetryDelay].
func retryDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minRetryDelay
	}
	return min(prev*2, maxRetryDelay)
}

// wait sleeps for d and reports false when the socket closes first.
func (s *socket) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.quit:
		return false
	}
}

func (s *socket) acceptLoop() {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			delay = retryDelay(delay)
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed")
			if !s.wait(delay) {
				return
			}
			continue
		}
		delay = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *socket) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	framer := NewFramer(s.max)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, ferr := framer.Feed(buf[:n])
			for _, msg := range msgs {
				s.deliver(msg)
			}
			if ferr != nil {
				s.metrics.ConnectionError(string(s.key.Protocol), s.key.Port)
				s.log.WarnWithCode(ferr).Str("remote", conn.RemoteAddr().String()).Msg("Closing connection")
				return
			}
		}
		if err != nil {
			if pending := framer.Pending(); pending > 0 {
				s.log.Debug().Int("bytes", pending).Str("remote", conn.RemoteAddr().String()).
					Msg("Discarding undelimited data on close")
			}
			if !isClosedConn(err) && !s.isClosed() {
				s.metrics.ConnectionError(string(s.key.Protocol), s.key.Port)
				s.log.WarnWithCode(errors.New().Wrap(errors.ErrConnection, err)).
					Str("remote", conn.RemoteAddr().String()).Msg("Connection read failed")
			}
			return
		}
	}
}

func (s *socket) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	var delay time.Duration
	for {
		n, _, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			if s.isClosed() {
				return
			}
			delay = retryDelay(delay)
			s.metrics.ConnectionError(string(s.key.Protocol), s.key.Port)
			s.log.WarnWithCode(errors.New().Wrap(errors.ErrConnection, err)).Msg("Datagram read failed")
			if !s.wait(delay) {
				return
			}
			continue
		}
		delay = 0

		msg := bytes.TrimRight(buf[:n], "\r\n")
		if len(msg) == 0 {
			continue
		}
		if len(msg) > s.max {
			s.metrics.ConnectionError(string(s.key.Protocol), s.key.Port)
			s.log.Warn().Int("bytes", len(msg)).Msg("Dropping oversized datagram")
			continue
		}
		s.deliver(append([]byte(nil), msg...))
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
