package transport

import (
	"context"
	"sync"

	"github.com/roach88/lattice/internal/protocol"
)

// pipeEnd is one side of an in-memory connection.
type pipeEnd struct {
	codec protocol.Codec
	in    <-chan []byte
	out   chan<- []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory Conns. Messages sent on one are
// received on the other, encoded and decoded with codec. Closing either
// end closes both.
func Pipe(codec protocol.Codec) (Conn, Conn) {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	ab := make(chan []byte, DefaultSettings().BufferSize)
	ba := make(chan []byte, DefaultSettings().BufferSize)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{codec: codec, in: ba, out: ab, done: done, closeOnce: once}
	b := &pipeEnd{codec: codec, in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, m protocol.Message) error {
	data, err := p.codec.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case data := <-p.in:
		return p.codec.Decode(data)
	case <-p.done:
		// Deliver what was sent before the close.
		select {
		case data := <-p.in:
			return p.codec.Decode(data)
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
