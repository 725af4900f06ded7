package channel

import (
	"context"
	"sync"
)

type frame struct {
	line string
	eod  bool
}

// PipeEnd is one side of an in-process channel.
type PipeEnd struct {
	in   <-chan frame
	out  chan<- frame
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process channel ends. Closing either end
// closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan frame, 64)
	ba := make(chan frame, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &PipeEnd{in: ba, out: ab, done: done, once: once},
		&PipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *PipeEnd) Send(ctx context.Context, line string) error {
	return p.put(ctx, frame{line: line})
}

func (p *PipeEnd) SignalEOD(ctx context.Context) error {
	return p.put(ctx, frame{eod: true})
}

func (p *PipeEnd) put(ctx context.Context, f frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Recv(ctx context.Context) (string, error) {
	select {
	case f := <-p.in:
		if f.eod {
			return "", ErrEndOfData
		}
		return f.line, nil
	case <-p.done:
		// Deliver what the peer sent before closing.
		select {
		case f := <-p.in:
			if f.eod {
				return "", ErrEndOfData
			}
			return f.line, nil
		default:
			return "", ErrClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
