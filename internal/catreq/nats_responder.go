package catreq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gftdcojp/media-director/internal/channel"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RunNATSResponder serves catalog requests over NATS until ctx is done.
//
// Storage daemons either open a session on {prefix}.catreq (see
// channel.Dial) or send single requests to {prefix}.catreq.req and read
// the reply from the message response.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, h *Handler, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "md"
	}
	logger = logger.Named("catreq-responder")

	base := prefix + ".catreq"
	ln, err := channel.Listen(nc, base, logger)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", base, err)
	}
	defer ln.Close()

	reqSubject := prefix + ".catreq.req"
	sub, err := nc.Subscribe(reqSubject, func(msg *nats.Msg) {
		reply := h.Handle(ctx, string(msg.Data))
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond([]byte(reply)); err != nil {
			logger.Warn("responding to catalog request", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", reqSubject, err)
	}
	defer sub.Unsubscribe()

	logger.Info("catalog responder started",
		zap.String("request_subject", reqSubject),
		zap.String("session_subject", base))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		ch, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting catalog session: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ch.Close()
			if err := h.Serve(ctx, ch); err != nil && ctx.Err() == nil {
				logger.Warn("catalog session ended", zap.Error(err))
			}
		}()
	}
}
