package listener

import (
	"net"

	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/telemetry"
)

var RetryDelay = retryDelay

// ServeAccept runs the accept loop of a TCP socket over ln and returns a
// function closing it.
func ServeAccept(ln net.Listener) func() {
	s := newSocket(Key{Protocol: TCP}, DefaultMaxMessage, telemetry.Nop(), logger.Component("listener"))
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return s.close
}
