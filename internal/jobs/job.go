package jobs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/media-director/internal/types"
)

// Job is the in-process control record of a job known to the director.
type Job struct {
	JobId       uint64
	Job         string // unique job name
	Name        string
	Type        types.JobType
	Level       types.JobLevel
	Priority    int
	PoolId      uint64
	PoolName    string
	ClientId    uint64
	ClientName  string
	FileSetId   uint64
	StorageName string
	MediaType   string
	SchedTime   time.Time

	canceled atomic.Bool

	mu       sync.Mutex
	status   types.JobStatus
	messages []string
}

func (j *Job) Cancel() { j.canceled.Store(true) }

// Canceled is checked between catalog operations and between records.
func (j *Job) Canceled() bool { return j.canceled.Load() }

func (j *Job) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) SetStatus(s types.JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// Jmsg appends an operator-visible message to the job's message list.
func (j *Job) Jmsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	j.mu.Lock()
	j.messages = append(j.messages, msg)
	j.mu.Unlock()
}

// Messages returns a copy of the job's messages.
func (j *Job) Messages() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.messages))
	copy(out, j.messages)
	return out
}

// UniqueName builds the unique job name from the job resource name and the schedule time.
func UniqueName(name string, at time.Time, seq int) string {
	return fmt.Sprintf("%s.%s_%02d", name, at.Format("2006-01-02_15.04.05"), seq%100)
}
