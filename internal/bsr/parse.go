package bsr

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Parse reads a bootstrap file. Each Volume= line starts a new entry;
// the keys that follow refine it. Blank lines and # comments are ignored.
func Parse(r io.Reader) (*BSR, error) {
	b := &BSR{}
	var cur *Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("bsr line %d: expected key=value, got %q", lineNo, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if key == "volume" {
			cur = &Entry{Volume: value}
			b.Entries = append(b.Entries, cur)
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("bsr line %d: %s before the first Volume", lineNo, key)
		}
		if err := cur.set(key, value); err != nil {
			return nil, fmt.Errorf("bsr line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading bsr: %w", err)
	}
	if len(b.Entries) == 0 {
		return nil, fmt.Errorf("bsr has no Volume entries")
	}
	return b, nil
}

func (e *Entry) set(key, value string) error {
	var err error
	switch key {
	case "mediatype":
		e.MediaType = value
	case "volsessionid":
		e.SessionIds, err = appendRanges(e.SessionIds, value)
	case "volsessiontime":
		var ts []uint32
		ts, err = parseList(value, parseUint32)
		e.SessionTimes = append(e.SessionTimes, ts...)
	case "volfile":
		e.Files, err = appendRanges(e.Files, value)
	case "volblock":
		e.Blocks, err = appendRanges(e.Blocks, value)
	case "fileindex":
		e.FileIndexes, err = appendRanges(e.FileIndexes, value)
	case "jobid":
		e.JobIds, err = appendRanges(e.JobIds, value)
	case "job":
		e.Jobs = append(e.Jobs, value)
	case "client":
		e.Clients = append(e.Clients, value)
	case "stream":
		var ss []int32
		ss, err = parseList(value, func(s string) (int32, error) {
			v, err := strconv.ParseInt(s, 10, 32)
			return int32(v), err
		})
		e.Streams = append(e.Streams, ss...)
	case "count":
		e.Count, err = parseUint32(value)
	default:
		return fmt.Errorf("unknown keyword %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s=%s: %w", key, value, err)
	}
	return nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	return uint32(v), err
}

func parseList[T any](value string, parse func(string) (T, error)) ([]T, error) {
	var out []T
	for _, part := range strings.Split(value, ",") {
		v, err := parse(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// appendRanges parses "n", "lo-hi" or a comma separated list of those.
func appendRanges(rs []Range, value string) ([]Range, error) {
	parsed, err := parseList(value, func(s string) (Range, error) {
		lo, hi, isRange := strings.Cut(s, "-")
		a, err := parseUint32(lo)
		if err != nil {
			return Range{}, err
		}
		if !isRange {
			return Range{Lo: a, Hi: a}, nil
		}
		b, err := parseUint32(hi)
		if err != nil {
			return Range{}, err
		}
		if b < a {
			return Range{}, fmt.Errorf("range %d-%d is reversed", a, b)
		}
		return Range{Lo: a, Hi: b}, nil
	})
	if err != nil {
		return nil, err
	}
	return append(rs, parsed...), nil
}

// String renders the filter in bootstrap file syntax.
func (b *BSR) String() string {
	var sb strings.Builder
	for _, e := range b.Entries {
		fmt.Fprintf(&sb, "Volume=%s\n", e.Volume)
		if e.MediaType != "" {
			fmt.Fprintf(&sb, "MediaType=%s\n", e.MediaType)
		}
		writeRanges(&sb, "VolSessionId", e.SessionIds)
		for _, t := range e.SessionTimes {
			fmt.Fprintf(&sb, "VolSessionTime=%d\n", t)
		}
		writeRanges(&sb, "VolFile", e.Files)
		writeRanges(&sb, "VolBlock", e.Blocks)
		writeRanges(&sb, "FileIndex", e.FileIndexes)
		writeRanges(&sb, "JobId", e.JobIds)
		for _, j := range e.Jobs {
			fmt.Fprintf(&sb, "Job=%s\n", j)
		}
		for _, c := range e.Clients {
			fmt.Fprintf(&sb, "Client=%s\n", c)
		}
		for _, s := range e.Streams {
			fmt.Fprintf(&sb, "Stream=%d\n", s)
		}
		if e.Count > 0 {
			fmt.Fprintf(&sb, "Count=%d\n", e.Count)
		}
	}
	return sb.String()
}

func writeRanges(sb *strings.Builder, key string, rs []Range) {
	for _, r := range rs {
		if r.Lo == r.Hi {
			fmt.Fprintf(sb, "%s=%d\n", key, r.Lo)
		} else {
			fmt.Fprintf(sb, "%s=%d-%d\n", key, r.Lo, r.Hi)
		}
	}
}
