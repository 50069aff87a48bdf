package listener_test

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/edgetel/internal/actions"
	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/listener"
	"codeberg.org/mutker/edgetel/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []event.DataEvent
}

func (c *collector) emit(ev event.DataEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []event.DataEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.DataEvent(nil), c.events...)
}

func (c *collector) count() int {
	return len(c.snapshot())
}

func newTable(t *testing.T, opts ...listener.TableOption) *listener.SocketTable {
	t.Helper()

	table := listener.NewSocketTable(append([]listener.TableOption{listener.WithHost("127.0.0.1")}, opts...)...)
	t.Cleanup(table.Close)
	return table
}

func subscribe(t *testing.T, table *listener.SocketTable, spec listener.Spec, c *collector) *listener.Subscription {
	t.Helper()

	sub, err := table.Subscribe(spec, c.emit)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	sub.Start()
	return sub
}

func TestTCPTwoWritesTwoEvents(t *testing.T) {
	table := newTable(t)
	key := listener.Key{Port: 0, Protocol: listener.TCP}
	c := &collector{}
	subscribe(t, table, listener.Spec{Namespace: "lab", Name: "syslog", Key: key}, c)

	conn, err := net.Dial("tcp", table.Addr(key).String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("event1\n"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("event2\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	events := c.snapshot()
	assert.True(t, events[0].Payload.Equal(tree.String("event1")))
	assert.True(t, events[1].Payload.Equal(tree.String("event2")))
	for _, ev := range events {
		assert.Equal(t, event.SourceListener, ev.SourceType)
		assert.Equal(t, "lab", ev.Namespace)
		assert.Equal(t, "syslog", ev.OriginName)
		assert.Equal(t, "lab", ev.Tags["namespace"])
		assert.NotEmpty(t, ev.ID)
	}
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestTCPFragmentDiscardedOnClose(t *testing.T) {
	table := newTable(t)
	key := listener.Key{Port: 0, Protocol: listener.TCP}
	c := &collector{}
	subscribe(t, table, listener.Spec{Namespace: "lab", Name: "syslog", Key: key}, c)

	conn, err := net.Dial("tcp", table.Addr(key).String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("no delimiter here"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// a second connection proves the socket still works and orders after
	conn, err = net.Dial("tcp", table.Addr(key).String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("marker\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	events := c.snapshot()
	require.Len(t, events, 1)
	assert.True(t, events[0].Payload.Equal(tree.String("marker")))
}

func TestTCPOversizedMessageClosesConnection(t *testing.T) {
	table := newTable(t, listener.WithMaxMessageSize(16))
	key := listener.Key{Port: 0, Protocol: listener.TCP}
	c := &collector{}
	subscribe(t, table, listener.Spec{Namespace: "lab", Name: "syslog", Key: key}, c)

	conn, err := net.Dial("tcp", table.Addr(key).String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("short\nthis line is far too long for the limit\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "connection should be closed by the listener")

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.snapshot()[0].Payload.Equal(tree.String("short")))
}

func TestUDPDatagramIsOneMessage(t *testing.T) {
	table := newTable(t)
	key := listener.Key{Port: 0, Protocol: listener.UDP}
	c := &collector{}
	chain, err := actions.Compile([]actions.Rule{{Tag: map[string]any{"via": "udp"}}})
	require.NoError(t, err)
	subscribe(t, table, listener.Spec{Namespace: "lab", Name: "metrics", Key: key, Chain: chain}, c)

	conn, err := net.Dial("udp", table.Addr(key).String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"cpu": 12}`))
	require.NoError(t, err)
	_, err = conn.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	events := c.snapshot()
	via := tree.Lookup(events[0].Payload, tree.MustParsePath("via"))
	require.Len(t, via, 1)
	assert.Equal(t, "udp", via[0].String())
	assert.True(t, events[1].Payload.Equal(tree.String("line one\nline two")))
}

func TestSharedSocketAcrossNamespaces(t *testing.T) {
	table := newTable(t)
	key := listener.Key{Port: 0, Protocol: listener.TCP}

	a, b := &collector{}, &collector{}
	subA, err := table.Subscribe(listener.Spec{Namespace: "a", Name: "in", Key: key}, a.emit)
	require.NoError(t, err)
	subA.Start()
	subB := subscribe(t, table, listener.Spec{Namespace: "b", Name: "in", Key: key}, b)
	addr := table.Addr(key).String()

	send := func(msg string) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
	}

	send("hello\n")
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a", a.snapshot()[0].Namespace)
	assert.Equal(t, "b", b.snapshot()[0].Namespace)

	// releasing one namespace keeps the socket open for the other
	subA.Close()
	assert.True(t, table.Bound(key))
	send("again\n")
	require.Eventually(t, func() bool { return b.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, a.count())

	subB.Close()
	assert.False(t, table.Bound(key))
}

func TestBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	table := newTable(t)
	_, err = table.Subscribe(listener.Spec{
		Namespace: "lab",
		Name:      "dup",
		Key:       listener.Key{Port: port, Protocol: listener.TCP},
	}, func(event.DataEvent) {})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrListenerBind))

	_, err = table.Subscribe(listener.Spec{
		Key: listener.Key{Port: 0, Protocol: "sctp"},
	}, func(event.DataEvent) {})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrListenerBind))
}

func TestSlowConsumerDoesNotBlockSocket(t *testing.T) {
	table := newTable(t)
	key := listener.Key{Port: 0, Protocol: listener.TCP}

	release := make(chan struct{})
	var mu sync.Mutex
	received := 0
	blocking := func(event.DataEvent) {
		<-release
		mu.Lock()
		received++
		mu.Unlock()
	}
	sub, err := table.Subscribe(listener.Spec{Namespace: "lab", Name: "slow", Key: key, QueueSize: 2}, blocking)
	require.NoError(t, err)
	sub.Start()

	fast := &collector{}
	subscribe(t, table, listener.Spec{Namespace: "other", Name: "fast", Key: key}, fast)

	conn, err := net.Dial("tcp", table.Addr(key).String())
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 20; i++ {
		_, err = conn.Write([]byte("msg\n"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return fast.count() == 20 }, 2*time.Second, 10*time.Millisecond)

	close(release)
	sub.Close()
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, received, 20)
	assert.Positive(t, received)
}

func TestSubscriptionIgnoresTrafficUntilStarted(t *testing.T) {
	table := newTable(t)
	key := listener.Key{Port: 0, Protocol: listener.UDP}

	running, paused := &collector{}, &collector{}
	subscribe(t, table, listener.Spec{Namespace: "a", Name: "in", Key: key}, running)
	sub, err := table.Subscribe(listener.Spec{Namespace: "b", Name: "in", Key: key}, paused.emit)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	conn, err := net.Dial("udp", table.Addr(key).String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("before"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, paused.count())

	sub.Start()
	_, err = conn.Write([]byte("after"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return paused.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, paused.snapshot()[0].Payload.Equal(tree.String("after")))
}

func TestAcceptErrorsBackOff(t *testing.T) {
	ln := &failingListener{}
	stop := listener.ServeAccept(ln)
	time.Sleep(200 * time.Millisecond)
	stop()

	// 5ms doubling reaches at most 6 attempts in 200ms
	calls := ln.calls.Load()
	assert.GreaterOrEqual(t, calls, int64(2))
	assert.LessOrEqual(t, calls, int64(8))
}

func TestRetryDelayIsCapped(t *testing.T) {
	var d time.Duration
	var seen []time.Duration
	for i := 0; i < 12; i++ {
		d = listener.RetryDelay(d)
		seen = append(seen, d)
	}
	assert.Equal(t, 5*time.Millisecond, seen[0])
	assert.Equal(t, 10*time.Millisecond, seen[1])
	assert.Equal(t, time.Second, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
}

type failingListener struct {
	calls  atomic.Int64
	closed atomic.Bool
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	if l.closed.Load() {
		return nil, net.ErrClosed
	}
	return nil, errors.New().WithMessage(errors.ErrConnection, "too many open files")
}

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}
