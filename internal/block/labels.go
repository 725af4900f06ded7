package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// LabelId opens every volume and session label.
	LabelId     = "Bareos 2.0 immortal\n"
	LabelVerNum = 20
)

var ErrBadLabel = errors.New("block: malformed label")

// VolumeLabel is the payload of VOL_LABEL and PRE_LABEL records.
type VolumeLabel struct {
	VolumeName     string
	PrevVolumeName string
	PoolName       string
	PoolType       string
	MediaType      string
	HostName       string
	LabelTime      time.Time
	WriteTime      time.Time
}

// SessionLabel is the payload of SOS_LABEL and EOS_LABEL records.
type SessionLabel struct {
	JobId       uint32
	WriteTime   time.Time
	Job         string
	JobName     string
	Client      string
	FileSetName string
	PoolName    string
	JobType     byte
	JobLevel    byte

	// Filled in on EOS_LABEL only.
	JobFiles   uint32
	JobBytes   uint64
	StartBlock uint32
	EndBlock   uint32
	StartFile  uint32
	EndFile    uint32
	JobErrors  uint32
	JobStatus  byte
}

type serializer struct{ buf bytes.Buffer }

func (s *serializer) u32(v uint32) { binary.Write(&s.buf, binary.BigEndian, v) }
func (s *serializer) u64(v uint64) { binary.Write(&s.buf, binary.BigEndian, v) }
func (s *serializer) byte1(v byte) { s.buf.WriteByte(v) }
func (s *serializer) str(v string) {
	s.buf.WriteString(v)
	s.buf.WriteByte(0)
}
func (s *serializer) time(t time.Time) {
	if t.IsZero() {
		s.u64(0)
		return
	}
	s.u64(uint64(t.Unix()))
}

type deserializer struct {
	b   []byte
	err error
}

func (d *deserializer) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrBadLabel, n, len(d.b))
		return nil
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *deserializer) u32() uint32 {
	if v := d.take(4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

func (d *deserializer) u64() uint64 {
	if v := d.take(8); v != nil {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

func (d *deserializer) byte1() byte {
	if v := d.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (d *deserializer) str() string {
	if d.err != nil {
		return ""
	}
	i := bytes.IndexByte(d.b, 0)
	if i < 0 {
		d.err = fmt.Errorf("%w: unterminated string", ErrBadLabel)
		return ""
	}
	v := string(d.b[:i])
	d.b = d.b[i+1:]
	return v
}

func (d *deserializer) time() time.Time {
	v := d.u64()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func (d *deserializer) header() {
	if id := d.str(); d.err == nil && id != LabelId {
		d.err = fmt.Errorf("%w: unknown label id %q", ErrBadLabel, id)
	}
	if v := d.u32(); d.err == nil && v != LabelVerNum {
		d.err = fmt.Errorf("%w: unsupported label version %d", ErrBadLabel, v)
	}
}

func (l *VolumeLabel) Encode() []byte {
	var s serializer
	s.str(LabelId)
	s.u32(LabelVerNum)
	s.time(l.LabelTime)
	s.time(l.WriteTime)
	s.str(l.VolumeName)
	s.str(l.PrevVolumeName)
	s.str(l.PoolName)
	s.str(l.PoolType)
	s.str(l.MediaType)
	s.str(l.HostName)
	return s.buf.Bytes()
}

func DecodeVolumeLabel(data []byte) (*VolumeLabel, error) {
	d := &deserializer{b: data}
	d.header()
	l := &VolumeLabel{
		LabelTime: d.time(),
		WriteTime: d.time(),
	}
	l.VolumeName = d.str()
	l.PrevVolumeName = d.str()
	l.PoolName = d.str()
	l.PoolType = d.str()
	l.MediaType = d.str()
	l.HostName = d.str()
	if d.err != nil {
		return nil, d.err
	}
	return l, nil
}

func (l *SessionLabel) Encode(eos bool) []byte {
	var s serializer
	s.str(LabelId)
	s.u32(LabelVerNum)
	s.u32(l.JobId)
	s.time(l.WriteTime)
	s.str(l.Job)
	s.str(l.JobName)
	s.str(l.Client)
	s.str(l.FileSetName)
	s.str(l.PoolName)
	s.byte1(l.JobType)
	s.byte1(l.JobLevel)
	if eos {
		s.u32(l.JobFiles)
		s.u64(l.JobBytes)
		s.u32(l.StartBlock)
		s.u32(l.EndBlock)
		s.u32(l.StartFile)
		s.u32(l.EndFile)
		s.u32(l.JobErrors)
		s.byte1(l.JobStatus)
	}
	return s.buf.Bytes()
}

func DecodeSessionLabel(data []byte, eos bool) (*SessionLabel, error) {
	d := &deserializer{b: data}
	d.header()
	l := &SessionLabel{JobId: d.u32(), WriteTime: d.time()}
	l.Job = d.str()
	l.JobName = d.str()
	l.Client = d.str()
	l.FileSetName = d.str()
	l.PoolName = d.str()
	l.JobType = d.byte1()
	l.JobLevel = d.byte1()
	if eos {
		l.JobFiles = d.u32()
		l.JobBytes = d.u64()
		l.StartBlock = d.u32()
		l.EndBlock = d.u32()
		l.StartFile = d.u32()
		l.EndFile = d.u32()
		l.JobErrors = d.u32()
		l.JobStatus = d.byte1()
	}
	if d.err != nil {
		return nil, d.err
	}
	return l, nil
}
