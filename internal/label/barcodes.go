package label

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/channel"
	"github.com/gftdcojp/media-director/internal/types"
	"github.com/gftdcojp/media-director/internal/volume"
	"go.uber.org/zap"
)

// CleaningPrefix marks cleaning cartridges by barcode.
const CleaningPrefix = "CLN"

// Slot is one autochanger slot as reported by the changer.
type Slot struct {
	Number  int
	Barcode string
	Flags   types.SlotFlags
}

// ChangerInventory lists the slots of an autochanger.
type ChangerInventory interface {
	Slots(ctx context.Context, storage string) ([]Slot, error)
}

// SDInventory asks a storage daemon for its changer slots with
// "autochanger listall". NDMP storages are asked through their paired
// native storage.
type SDInventory struct {
	Dialer  Dialer
	Resolve func(ctx context.Context, storage string) (Target, uint64, error)
}

func (inv *SDInventory) Slots(ctx context.Context, storage string) ([]Slot, error) {
	target, _, err := inv.Resolve(ctx, storage)
	if err != nil {
		return nil, err
	}
	if target.Protocol == types.ProtocolNDMPBareos {
		if target.Paired == nil {
			return nil, fmt.Errorf("%w: %s storage %q has no paired storage", ErrUnsupportedProtocol, target.Protocol, storage)
		}
		target = *target.Paired
	}
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	ch, err := inv.Dialer.Dial(ctx, target.Storage)
	if err != nil {
		return nil, fmt.Errorf("connecting to storage %q: %w", target.Storage, err)
	}
	defer ch.Close()
	if err := ch.Send(ctx, "autochanger listall "+channel.BashSpaces(target.Device)); err != nil {
		return nil, fmt.Errorf("sending autochanger command: %w", err)
	}

	var slots []Slot
	err = channel.Drain(ctx, ch, func(line string) {
		if s, ok := ParseSlotLine(line); ok {
			slots = append(slots, s)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reading autochanger listing: %w", err)
	}
	return slots, nil
}

// ParseSlotLine parses one listall line:
//
//	S:<slot>:F:<barcode>  storage slot, E instead of F when empty
//	I:<slot>:F:<barcode>  import/export slot
//	D:<drive>:F:<slot>:<barcode>  loaded drive
func ParseSlotLine(line string) (Slot, bool) {
	f := strings.Split(strings.TrimSpace(line), ":")
	if len(f) < 3 {
		return Slot{}, false
	}
	var s Slot
	switch f[0] {
	case "S":
	case "I":
		s.Flags = s.Flags.With(types.SlotImportExport)
	case "D":
		if len(f) < 5 || f[2] != "F" {
			return Slot{}, false
		}
		// Drive lines carry the slot the volume came from.
		f = []string{"D", f[3], "F", f[4]}
		s.Flags = s.Flags.With(types.SlotDrive)
	default:
		return Slot{}, false
	}
	n, err := strconv.Atoi(f[1])
	if err != nil {
		return Slot{}, false
	}
	s.Number = n
	if f[2] == "F" {
		s.Flags = s.Flags.With(types.SlotFull)
		if len(f) > 3 {
			s.Barcode = f[3]
		}
	}
	if strings.HasPrefix(s.Barcode, CleaningPrefix) {
		s.Flags = s.Flags.With(types.SlotCleaning)
	}
	return s, true
}

// BarcodeResult is the outcome for one slot.
type BarcodeResult struct {
	Slot    int
	Barcode string
	Status  string
	Err     error
}

// LabelBarcodes labels every loaded slot whose barcode is not yet in the
// catalog. Cleaning cartridges get a Cleaning catalog entry without a label.
func (l *Labeler) LabelBarcodes(ctx context.Context, inv ChangerInventory, tmpl Command, out Output) ([]BarcodeResult, error) {
	slots, err := inv.Slots(ctx, tmpl.Target.Storage)
	if err != nil {
		return nil, fmt.Errorf("reading changer inventory of %q: %w", tmpl.Target.Storage, err)
	}

	var results []BarcodeResult
	for _, s := range slots {
		if !s.Flags.Has(types.SlotFull) || s.Flags.Has(types.SlotDrive) || s.Barcode == "" {
			continue
		}
		res := BarcodeResult{Slot: s.Number, Barcode: s.Barcode}

		if _, err := l.store.GetMediaByName(ctx, s.Barcode); err == nil {
			res.Status = "exists"
			results = append(results, res)
			continue
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return results, err
		}

		if s.Flags.Has(types.SlotCleaning) || strings.HasPrefix(s.Barcode, CleaningPrefix) {
			res.Err = l.recordCleaning(ctx, tmpl, s)
			res.Status = "cleaning"
			results = append(results, res)
			continue
		}

		cmd := tmpl
		cmd.VolumeName = s.Barcode
		cmd.OldName = ""
		cmd.Slot = s.Number
		cmd.InChanger = true
		if _, err := l.Label(ctx, cmd, out); err != nil {
			res.Status = "failed"
			res.Err = err
		} else {
			res.Status = "labeled"
		}
		results = append(results, res)
	}
	return results, nil
}

func (l *Labeler) recordCleaning(ctx context.Context, tmpl Command, s Slot) error {
	if ok, reason := volume.IsVolumeNameLegal(s.Barcode); !ok {
		return refuse("%s", reason)
	}
	defer l.lock.Acquire()()
	pool, err := l.store.GetPoolByName(ctx, tmpl.Pool)
	if err != nil {
		return fmt.Errorf("pool %q: %w", tmpl.Pool, err)
	}
	mr := &catalog.MediaRecord{
		VolumeName: s.Barcode,
		PoolId:     pool.PoolId,
		StorageId:  tmpl.StorageId,
		MediaType:  tmpl.MediaType,
		VolStatus:  types.VolCleaning,
		Enabled:    types.VolEnabledState,
		Slot:       s.Number,
		InChanger:  true,
	}
	if err := l.store.CreateMediaRecord(ctx, mr); err != nil {
		return err
	}
	l.logger.Info("cleaning cartridge recorded", zap.String("barcode", s.Barcode), zap.Int("slot", s.Number))
	return nil
}
