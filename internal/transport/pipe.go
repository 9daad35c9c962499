package transport

import (
	"sync"

	"github.com/google/uuid"
)

// pipeBuffer is the number of frames either direction holds before Send
// blocks.
const pipeBuffer = 64

// Pipe returns two connected in-memory Conns. Closing either end ends the
// stream for both, like destroying a socket.
func Pipe() (Conn, Conn) {
	ab := make(chan string, pipeBuffer)
	ba := make(chan string, pipeBuffer)
	shared := &pipeState{done: make(chan struct{})}

	a := &pipeConn{in: ba, out: ab, state: shared, id: uuid.NewString(), remote: "pipe-b"}
	b := &pipeConn{in: ab, out: ba, state: shared, id: uuid.NewString(), remote: "pipe-a"}
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in     <-chan string
	out    chan<- string
	state  *pipeState
	id     string
	remote string
}

func (p *pipeConn) Send(text string) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- text:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

func (p *pipeConn) Recv() (string, error) {
	select {
	case <-p.state.done:
		return "", ErrClosed
	default:
	}

	select {
	case text := <-p.in:
		return text, nil
	case <-p.state.done:
		return "", ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

// Closed reports whether the pipe has been torn down.
func (p *pipeConn) Closed() bool {
	select {
	case <-p.state.done:
		return true
	default:
		return false
	}
}

func (p *pipeConn) ID() string { return p.id }

func (p *pipeConn) RemoteAddr() string { return p.remote }
