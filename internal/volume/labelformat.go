package volume

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxNameLength = 127

// IsVolumeNameLegal checks a volume name against the allowed length and
// character set and returns a reason when it is not.
func IsVolumeNameLegal(name string) (bool, string) {
	if name == "" {
		return false, "volume name is empty"
	}
	if len(name) > maxNameLength {
		return false, fmt.Sprintf("volume name too long (%d > %d)", len(name), maxNameLength)
	}
	for _, c := range name {
		if !nameChar(c) {
			return false, fmt.Sprintf("illegal character %q in volume name %q", c, name)
		}
	}
	return true, ""
}

func nameChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == ':' || c == '.' || c == '-' || c == '_':
		return true
	}
	return false
}

// LabelVars holds the values available to a label format template.
type LabelVars struct {
	Pool      string
	NumVols   uint32
	JobId     uint64
	Job       string
	JobName   string
	Client    string
	Level     string
	Type      string
	MediaType string
	Time      time.Time
}

func (v LabelVars) lookup(name string) (string, bool) {
	switch name {
	case "Pool":
		return v.Pool, true
	case "NumVols":
		return strconv.FormatUint(uint64(v.NumVols), 10), true
	case "JobId":
		return strconv.FormatUint(v.JobId, 10), true
	case "Job":
		return v.Job, true
	case "JobName":
		return v.JobName, true
	case "Client":
		return v.Client, true
	case "Level":
		return v.Level, true
	case "Type":
		return v.Type, true
	case "MediaType":
		return v.MediaType, true
	case "Year":
		return fmt.Sprintf("%04d", v.Time.Year()), true
	case "Month":
		return fmt.Sprintf("%02d", int(v.Time.Month())), true
	case "Day":
		return fmt.Sprintf("%02d", v.Time.Day()), true
	case "Hour":
		return fmt.Sprintf("%02d", v.Time.Hour()), true
	case "Minute":
		return fmt.Sprintf("%02d", v.Time.Minute()), true
	case "Second":
		return fmt.Sprintf("%02d", v.Time.Second()), true
	case "WeekDay":
		return strconv.Itoa(int(v.Time.Weekday())), true
	}
	return "", false
}

// IsTemplate reports whether a label format uses variable substitution.
func IsTemplate(format string) bool {
	return strings.ContainsRune(format, '$')
}

// ExpandLabelFormat substitutes $Var and ${Var[:p/width/pad/align]} references.
// "$$" produces a literal dollar sign. Align is "r" (pad on the left) or "l"
// (pad on the right).
func ExpandLabelFormat(format string, vars LabelVars) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("label format %q: trailing $", format)
		}
		switch next := format[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i++
		case next == '{':
			end := strings.IndexByte(format[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("label format %q: unterminated ${", format)
			}
			expr := format[i+2 : i+2+end]
			val, err := expandExpr(expr, vars)
			if err != nil {
				return "", fmt.Errorf("label format %q: %w", format, err)
			}
			b.WriteString(val)
			i += 2 + end
		default:
			j := i + 1
			for j < len(format) && identChar(format[j]) {
				j++
			}
			if j == i+1 {
				return "", fmt.Errorf("label format %q: bad variable at offset %d", format, i)
			}
			val, ok := vars.lookup(format[i+1 : j])
			if !ok {
				return "", fmt.Errorf("label format %q: unknown variable %q", format, format[i+1:j])
			}
			b.WriteString(val)
			i = j - 1
		}
	}
	return b.String(), nil
}

func identChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func expandExpr(expr string, vars LabelVars) (string, error) {
	name, mod, hasMod := strings.Cut(expr, ":")
	val, ok := vars.lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown variable %q", name)
	}
	if !hasMod {
		return val, nil
	}
	return pad(val, mod)
}

// pad applies a "p/width/char/align" modifier.
func pad(val, mod string) (string, error) {
	parts := strings.Split(mod, "/")
	if len(parts) != 4 || parts[0] != "p" {
		return "", fmt.Errorf("unsupported modifier %q", mod)
	}
	width, err := strconv.Atoi(parts[1])
	if err != nil || width < 0 {
		return "", fmt.Errorf("bad pad width in %q", mod)
	}
	if len(parts[2]) == 0 {
		return "", fmt.Errorf("empty pad string in %q", mod)
	}
	if len(val) >= width {
		return val, nil
	}
	fill := strings.Repeat(parts[2], width)[:width-len(val)]
	switch parts[3] {
	case "r":
		return fill + val, nil
	case "l":
		return val + fill, nil
	}
	return "", fmt.Errorf("bad pad alignment in %q", mod)
}
