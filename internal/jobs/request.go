package jobs

import (
	"fmt"

	"github.com/gftdcojp/media-director/internal/types"
)

// Request asks the director to queue a job. Type and Level are the single
// letter catalog codes ("B", "F", ...).
type Request struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Level     string `json:"level,omitempty"`
	Client    string `json:"client"`
	Pool      string `json:"pool"`
	Storage   string `json:"storage,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	FileSetId uint64 `json:"fileset_id,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// Codes validates and returns the request's job type and level.
func (r *Request) Codes() (types.JobType, types.JobLevel, error) {
	if r.Name == "" {
		return 0, 0, fmt.Errorf("job name is required")
	}
	if len(r.Type) != 1 {
		return 0, 0, fmt.Errorf("job %s: invalid type %q", r.Name, r.Type)
	}
	level := types.LevelNone
	switch len(r.Level) {
	case 0:
	case 1:
		level = types.JobLevel(r.Level[0])
	default:
		return 0, 0, fmt.Errorf("job %s: invalid level %q", r.Name, r.Level)
	}
	return types.JobType(r.Type[0]), level, nil
}
