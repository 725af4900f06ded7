package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RunNATSResponder answers read-only catalog queries over NATS request-reply.
// Subject patterns: {prefix}.volume.{name} and {prefix}.pool.{name}.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, store catalog.Store, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "md"
	}
	logger = logger.Named("query-responder")

	// Volume names may contain dots, so the name is everything after the kind.
	subject := prefix + ".query.>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		parts := strings.SplitN(strings.TrimPrefix(msg.Subject, prefix+".query."), ".", 2)
		if len(parts) < 2 || parts[1] == "" {
			respondError(msg, "invalid subject format")
			return
		}

		var v any
		switch parts[0] {
		case "volume":
			mr, err := store.GetMediaByName(ctx, parts[1])
			if err != nil {
				respondError(msg, err.Error())
				return
			}
			v = volumeJSON(mr)
		case "pool":
			pr, err := store.GetPoolByName(ctx, parts[1])
			if err != nil {
				respondError(msg, err.Error())
				return
			}
			v = pr
		default:
			respondError(msg, fmt.Sprintf("unknown query %q", parts[0]))
			return
		}

		resp, err := json.Marshal(v)
		if err != nil {
			respondError(msg, err.Error())
			return
		}
		if err := msg.Respond(resp); err != nil {
			logger.Warn("responding to query", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("NATS query responder started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

func respondError(msg *nats.Msg, text string) {
	resp, _ := json.Marshal(map[string]string{"error": text})
	msg.Respond(resp)
}
