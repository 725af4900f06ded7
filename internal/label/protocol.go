package label

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gftdcojp/media-director/internal/channel"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/types"
)

var (
	// ErrUnsupportedProtocol is returned for storage protocols without a label encoder.
	ErrUnsupportedProtocol = errors.New("label: storage protocol not supported")
	// ErrNotConfirmed means the storage daemon ended its response without "3000 OK label.".
	ErrNotConfirmed = errors.New("label: storage daemon did not confirm the label")
)

var labelOK = regexp.MustCompile(`^3000 OK label\. VolBytes=(\d+)`)

// Target is the storage resource a label request goes to.
type Target struct {
	Storage  string
	Protocol types.StorageProtocol
	Device   string
	// Paired is the native storage used to label on behalf of an NDMP storage.
	Paired  *Target
	Timeout time.Duration
}

// WireRequest is one label or relabel exchange.
type WireRequest struct {
	Relabel      bool
	VolumeName   string
	OldName      string
	PoolName     string
	MediaType    string
	Slot         int
	Drive        int
	MinBlocksize uint32
	MaxBlocksize uint32
}

// Dialer opens a channel to a storage daemon.
type Dialer interface {
	Dial(ctx context.Context, storage string) (channel.Channel, error)
}

// Output receives the storage daemon lines that are not the label confirmation.
type Output func(line string)

// SendLabelRequest labels a volume on the target's device and returns the
// VolBytes the storage daemon reported.
func SendLabelRequest(ctx context.Context, d Dialer, target Target, req WireRequest, out Output) (uint64, error) {
	if out == nil {
		out = func(string) {}
	}
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	var volBytes uint64
	var err error
	switch target.Protocol {
	case types.ProtocolNative:
		volBytes, err = sendNative(ctx, d, target, req, out)
	case types.ProtocolNDMPBareos:
		// The data mover cannot write labels itself, its paired native storage does.
		if target.Paired == nil {
			err = fmt.Errorf("%w: %s storage %q has no paired storage", ErrUnsupportedProtocol, target.Protocol, target.Storage)
			break
		}
		volBytes, err = sendNative(ctx, d, *target.Paired, req, out)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedProtocol, target.Protocol)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.LabelRequests.WithLabelValues(target.Protocol.String(), result).Inc()
	return volBytes, err
}

func sendNative(ctx context.Context, d Dialer, target Target, req WireRequest, out Output) (uint64, error) {
	ch, err := d.Dial(ctx, target.Storage)
	if err != nil {
		return 0, fmt.Errorf("connecting to storage %q: %w", target.Storage, err)
	}
	defer ch.Close()

	if err := ch.Send(ctx, nativeCommand(target.Device, req)); err != nil {
		return 0, fmt.Errorf("sending label command: %w", err)
	}

	var volBytes uint64
	var confirmed bool
	var lastErr string
	err = channel.Drain(ctx, ch, func(line string) {
		if m := labelOK.FindStringSubmatch(line); m != nil && !confirmed {
			if n, perr := strconv.ParseUint(m[1], 10, 64); perr == nil {
				volBytes = n
				confirmed = true
				return
			}
		}
		// The storage daemon may interleave catalog queries and plugin
		// output with the label reply.
		if len(line) >= 4 && line[0] == '3' && !strings.HasPrefix(line, "3000") {
			lastErr = line
		}
		out(line)
	})
	if err != nil {
		return 0, fmt.Errorf("reading label response: %w", err)
	}
	if !confirmed {
		if lastErr != "" {
			return 0, fmt.Errorf("%w: %s", ErrNotConfirmed, lastErr)
		}
		return 0, ErrNotConfirmed
	}
	return volBytes, nil
}

func nativeCommand(device string, req WireRequest) string {
	bash := channel.BashSpaces
	var b strings.Builder
	if req.Relabel {
		fmt.Fprintf(&b, "relabel %s OldName=%s NewName=%s", bash(device), bash(req.OldName), bash(req.VolumeName))
	} else {
		fmt.Fprintf(&b, "label %s VolumeName=%s", bash(device), bash(req.VolumeName))
	}
	fmt.Fprintf(&b, " PoolName=%s MediaType=%s Slot=%d drive=%d MinBlocksize=%d MaxBlocksize=%d",
		bash(req.PoolName), bash(req.MediaType), req.Slot, req.Drive, req.MinBlocksize, req.MaxBlocksize)
	return b.String()
}
