package catreq

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/media-director/internal/channel"
)

func sscan(line, format string, args ...any) (int, error) {
	return fmt.Sscanf(line, format, args...)
}

func bash(s string) string   { return channel.BashSpaces(s) }
func unbash(s string) string { return channel.UnbashSpaces(s) }

// Serve answers requests arriving on ch until the peer signals end of
// data, the channel closes or ctx is done.
func (h *Handler) Serve(ctx context.Context, ch channel.Channel) error {
	for {
		line, err := ch.Recv(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrEndOfData) || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return err
		}
		reply := h.Handle(ctx, line)
		if reply == "" {
			continue
		}
		if err := ch.Send(ctx, reply); err != nil {
			return fmt.Errorf("send catalog reply: %w", err)
		}
	}
}
