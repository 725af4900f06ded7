// Package channel carries the line oriented director <-> storage daemon
// protocol. A response is a sequence of lines terminated by an end-of-data
// signal.
package channel

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEndOfData is returned by Recv when the peer finished its response.
	ErrEndOfData = errors.New("channel: end of data")
	// ErrClosed is returned once either side closed the channel.
	ErrClosed = errors.New("channel: closed")
)

// Channel is one session between the director and a storage daemon.
type Channel interface {
	Send(ctx context.Context, line string) error
	// SignalEOD marks the end of the current response.
	SignalEOD(ctx context.Context) error
	Recv(ctx context.Context) (string, error)
	Close() error
}

// BashSpaces replaces spaces so a value survives whitespace splitting.
func BashSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "\x01")
}

// UnbashSpaces reverses BashSpaces.
func UnbashSpaces(s string) string {
	return strings.ReplaceAll(s, "\x01", " ")
}

// Drain reads lines until end of data and hands each one to fn.
func Drain(ctx context.Context, ch Channel, fn func(line string)) error {
	for {
		line, err := ch.Recv(ctx)
		if errors.Is(err, ErrEndOfData) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(line)
	}
}
