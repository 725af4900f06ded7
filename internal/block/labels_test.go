package block

import (
	"errors"
	"testing"
	"time"
)

func TestVolumeLabelRoundTrip(t *testing.T) {
	in := &VolumeLabel{
		VolumeName: "Full-0001",
		PoolName:   "Full",
		PoolType:   "Backup",
		MediaType:  "File",
		HostName:   "sd1",
		LabelTime:  time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
	}
	out, err := DecodeVolumeLabel(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestSessionLabelEOSFields(t *testing.T) {
	in := &SessionLabel{
		JobId:     42,
		Job:       "nightly.2026-10-16_01.00.00_42",
		JobName:   "nightly",
		Client:    "web-fd",
		JobType:   'B',
		JobLevel:  'F',
		JobFiles:  1200,
		JobBytes:  1 << 30,
		EndBlock:  77,
		JobStatus: 'T',
	}
	out, err := DecodeSessionLabel(in.Encode(true), true)
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	sos, err := DecodeSessionLabel(in.Encode(false), false)
	if err != nil {
		t.Fatal(err)
	}
	if sos.JobFiles != 0 || sos.Client != "web-fd" {
		t.Errorf("unexpected SOS label %+v", sos)
	}
}

func TestDecodeLabelErrors(t *testing.T) {
	if _, err := DecodeVolumeLabel([]byte("garbage")); !errors.Is(err, ErrBadLabel) {
		t.Errorf("expected ErrBadLabel, got %v", err)
	}
	sos := (&SessionLabel{JobId: 1}).Encode(false)
	if _, err := DecodeSessionLabel(sos, true); !errors.Is(err, ErrBadLabel) {
		t.Errorf("expected ErrBadLabel decoding SOS as EOS, got %v", err)
	}
}
