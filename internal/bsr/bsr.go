// Package bsr implements bootstrap records: the filter a restore uses to
// select which sessions, files and blocks of which volumes it wants.
package bsr

import (
	"slices"

	"github.com/gftdcojp/media-director/internal/block"
)

// Range is an inclusive range of unsigned values.
type Range struct {
	Lo, Hi uint32
}

func (r Range) Contains(v uint32) bool { return v >= r.Lo && v <= r.Hi }

func inRanges(rs []Range, v uint32) bool {
	if len(rs) == 0 {
		return true
	}
	for _, r := range rs {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

func maxHi(rs []Range) uint32 {
	var m uint32
	for _, r := range rs {
		m = max(m, r.Hi)
	}
	return m
}

func minLo(rs []Range) uint32 {
	if len(rs) == 0 {
		return 0
	}
	m := rs[0].Lo
	for _, r := range rs[1:] {
		m = min(m, r.Lo)
	}
	return m
}

// Entry selects data on one volume. Empty filters match everything.
type Entry struct {
	Volume    string
	MediaType string

	SessionIds   []Range
	SessionTimes []uint32
	Files        []Range
	Blocks       []Range
	FileIndexes  []Range
	JobIds       []Range
	Jobs         []string
	Clients      []string
	Streams      []int32
	// Count is the number of files wanted; 0 means no limit.
	Count uint32

	found         uint32
	lastFileIndex int32
	done          bool
}

// Done reports whether nothing more can match this entry.
func (e *Entry) Done() bool { return e.done }

// Position identifies the record being matched.
type Position struct {
	Volume         string
	File           uint32
	Block          uint32
	VolSessionId   uint32
	VolSessionTime uint32
	FileIndex      int32
	Stream         int32
}

// BSR is an ordered list of alternative entries.
type BSR struct {
	Entries []*Entry
}

// Match tests a data record against the filter. It returns 1 to deliver
// the record, 0 to skip it and -1 once no entry can match anything more.
// sess is the session label of the record's session, nil when unknown.
// A nil BSR matches everything.
func (b *BSR) Match(p Position, sess *block.SessionLabel) int {
	if b == nil || len(b.Entries) == 0 {
		return 1
	}
	for _, e := range b.Entries {
		if e.done {
			continue
		}
		if e.match(p, sess) {
			return 1
		}
	}
	if b.IsDone() {
		return -1
	}
	return 0
}

func (e *Entry) sessionMatches(id, t uint32) bool {
	if len(e.SessionTimes) > 0 && !slices.Contains(e.SessionTimes, t) {
		return false
	}
	return inRanges(e.SessionIds, id)
}

func (e *Entry) match(p Position, sess *block.SessionLabel) bool {
	if e.Volume != "" && e.Volume != p.Volume {
		return false
	}
	if !inRanges(e.Files, p.File) {
		if p.File > maxHi(e.Files) {
			e.done = true
		}
		return false
	}
	if !inRanges(e.Blocks, p.Block) {
		return false
	}
	if !e.sessionMatches(p.VolSessionId, p.VolSessionTime) {
		return false
	}
	if len(e.FileIndexes) > 0 {
		if p.FileIndex < 0 || !inRanges(e.FileIndexes, uint32(p.FileIndex)) {
			if p.FileIndex > 0 && uint32(p.FileIndex) > maxHi(e.FileIndexes) {
				e.done = true
			}
			return false
		}
	}
	if !e.sessionLabelMatches(sess) {
		return false
	}
	if len(e.Streams) > 0 && !slices.Contains(e.Streams, p.Stream) {
		return false
	}
	if e.Count > 0 && p.FileIndex != e.lastFileIndex {
		if e.found >= e.Count {
			e.done = true
			return false
		}
		e.found++
		e.lastFileIndex = p.FileIndex
	}
	return true
}

func (e *Entry) sessionLabelMatches(sess *block.SessionLabel) bool {
	if len(e.JobIds) == 0 && len(e.Jobs) == 0 && len(e.Clients) == 0 {
		return true
	}
	if sess == nil {
		return false
	}
	if !inRanges(e.JobIds, sess.JobId) {
		return false
	}
	if len(e.Jobs) > 0 && !slices.Contains(e.Jobs, sess.Job) {
		return false
	}
	if len(e.Clients) > 0 && !slices.Contains(e.Clients, sess.Client) {
		return false
	}
	return true
}

// MatchBlock reports whether any pending entry may want records of the
// block at (file, blockNumber) on volume.
func (b *BSR) MatchBlock(volume string, file uint32, h block.Header) bool {
	if b == nil || len(b.Entries) == 0 {
		return true
	}
	for _, e := range b.Entries {
		if e.done {
			continue
		}
		if e.Volume != "" && e.Volume != volume {
			continue
		}
		if !inRanges(e.Files, file) || !inRanges(e.Blocks, h.BlockNumber) {
			continue
		}
		if e.sessionMatches(h.VolSessionId, h.VolSessionTime) {
			return true
		}
	}
	return false
}

// IsDone reports whether every entry is satisfied.
func (b *BSR) IsDone() bool {
	if b == nil || len(b.Entries) == 0 {
		return false
	}
	for _, e := range b.Entries {
		if !e.done {
			return false
		}
	}
	return true
}

// FindNext returns the earliest position on volume still wanted by a
// pending entry.
func (b *BSR) FindNext(volume string) (file, blk uint32, ok bool) {
	if b == nil {
		return 0, 0, false
	}
	for _, e := range b.Entries {
		if e.done || (e.Volume != "" && e.Volume != volume) {
			continue
		}
		f, bl := minLo(e.Files), minLo(e.Blocks)
		if !ok || f < file || (f == file && bl < blk) {
			file, blk, ok = f, bl, true
		}
	}
	return file, blk, ok
}

// Volumes returns the volume names in the order they are needed.
func (b *BSR) Volumes() []string {
	if b == nil {
		return nil
	}
	var vols []string
	for _, e := range b.Entries {
		if e.Volume != "" && !slices.Contains(vols, e.Volume) {
			vols = append(vols, e.Volume)
		}
	}
	return vols
}

// Reset clears match progress so the filter can be applied again.
func (b *BSR) Reset() {
	if b == nil {
		return
	}
	for _, e := range b.Entries {
		e.found = 0
		e.lastFileIndex = 0
		e.done = false
	}
}
