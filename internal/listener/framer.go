package listener

import (
	"bytes"

	"codeberg.org/mutker/edgetel/internal/errors"
)

const delimiter = '\n'

// Framer reassembles newline delimited messages from a byte stream split
// arbitrarily across reads. A Framer belongs to a single connection.
type Framer struct {
	buf []byte
	max int
}

func NewFramer(maxMessageSize int) *Framer {
	return &Framer{max: maxMessageSize}
}

// Feed appends p to the stream and returns the messages it completes.
// Trailing carriage returns are trimmed and empty lines are skipped. A
// message longer than the limit yields a connection_error; the messages
// completed before it are still returned.
func (f *Framer) Feed(p []byte) ([][]byte, error) {
	var out [][]byte

	for len(p) > 0 {
		i := bytes.IndexByte(p, delimiter)
		if i < 0 {
			if len(f.buf)+len(p) > f.max {
				f.buf = nil
				return out, f.overflow()
			}
			f.buf = append(f.buf, p...)
			break
		}

		line := p[:i]
		p = p[i+1:]

		var msg []byte
		if len(f.buf) > 0 {
			msg = append(f.buf, line...)
			f.buf = nil
		} else {
			msg = append([]byte(nil), line...)
		}
		msg = bytes.TrimSuffix(msg, []byte{'\r'})

		if len(msg) > f.max {
			return out, f.overflow()
		}
		if len(msg) == 0 {
			continue
		}
		out = append(out, msg)
	}

	return out, nil
}

// Pending returns the number of buffered bytes not yet terminated.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards any incomplete message.
func (f *Framer) Reset() {
	f.buf = nil
}

func (f *Framer) overflow() error {
	return errors.New().WithMessagef(errors.ErrConnection, "message exceeds %d bytes", f.max)
}
