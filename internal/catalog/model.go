package catalog

import (
	"time"

	"github.com/gftdcojp/media-director/internal/types"
)

// MediaRecord is the catalog row describing one volume.
type MediaRecord struct {
	MediaId    uint64
	VolumeName string
	PoolId     uint64
	StorageId  uint64
	MediaType  string
	VolStatus  types.VolStatus
	Enabled    types.VolEnabled
	Recycle    bool

	// Usage counters. They never decrease except on a recycle reset.
	VolBytes     uint64
	VolJobs      uint32
	VolFiles     uint32
	VolBlocks    uint32
	VolMounts    uint32
	VolErrors    uint32
	VolWrites    uint32
	VolReadTime  int64
	VolWriteTime int64
	RecycleCount uint32

	MaxVolBytes    uint64
	MaxVolJobs     uint32
	MaxVolFiles    uint32
	VolUseDuration time.Duration
	VolRetention   time.Duration

	FirstWritten time.Time
	LastWritten  time.Time
	LabelDate    time.Time

	Slot          int
	InChanger     bool
	RecyclePoolId uint64
	ScratchPoolId uint64
	EncrKey       string
	MinBlocksize  uint32
	MaxBlocksize  uint32
}

// IsArchived reports whether the volume is excluded from all automatic mutation.
func (m *MediaRecord) IsArchived() bool {
	return m.Enabled == types.VolArchived
}

// PoolRecord is the catalog row describing a pool and its volume policy.
type PoolRecord struct {
	PoolId      uint64
	Name        string
	PoolType    string
	NumVols     uint32
	MaxVols     uint32
	LabelFormat string
	Enabled     bool

	UseOnce              bool
	Recycle              bool
	AutoPrune            bool
	RecycleOldestVolume  bool
	PurgeOldestVolume    bool
	RecycleCurrentVolume bool
	EncryptVolumes       bool

	MaxVolBytes    uint64
	MaxVolJobs     uint32
	MaxVolFiles    uint32
	VolUseDuration time.Duration
	VolRetention   time.Duration
	JobRetention   time.Duration
	FileRetention  time.Duration

	RecyclePoolId uint64
	ScratchPoolId uint64
	MinBlocksize  uint32
	MaxBlocksize  uint32
}

// JobRecord is the catalog row for a job.
type JobRecord struct {
	JobId       uint64
	Job         string // unique job name, e.g. "nightly.2026-10-16_01.00.00_05"
	Name        string
	Type        types.JobType
	Level       types.JobLevel
	JobStatus   types.JobStatus
	ClientId    uint64
	PoolId      uint64
	FileSetId   uint64
	PriorJobId  uint64
	JobFiles    uint32
	JobBytes    uint64
	SchedTime   time.Time
	StartTime   time.Time
	EndTime     time.Time
	JobTDate    time.Time
	PurgedFiles bool
}

// JobMediaRecord records the part of a volume occupied by a job.
type JobMediaRecord struct {
	JobMediaId uint64
	JobId      uint64
	MediaId    uint64
	FirstIndex uint32
	LastIndex  uint32
	StartFile  uint32
	EndFile    uint32
	StartBlock uint32
	EndBlock   uint32
	VolIndex   uint32
}

// ClientRecord is the catalog row for a file daemon.
type ClientRecord struct {
	ClientId      uint64
	Name          string
	AutoPrune     bool
	JobRetention  time.Duration
	FileRetention time.Duration
}

// StorageRecord is the catalog row for a storage resource.
type StorageRecord struct {
	StorageId   uint64
	Name        string
	AutoChanger bool
}

// VolumeQuery selects a candidate volume for FindNextVolume.
type VolumeQuery struct {
	PoolId    uint64
	MediaType string
	VolStatus types.VolStatus
	// InChanger restricts the search to volumes loaded in the changer of StorageId.
	InChanger bool
	StorageId uint64
	// Oldest ignores VolStatus and returns the least recently written volume
	// in any reusable state.
	Oldest   bool
	Unwanted []string
	// Index selects the n-th candidate (1-based) so concurrent sessions get distinct volumes.
	Index int
}

// MediaFilter selects volumes for ListMedia.
type MediaFilter struct {
	PoolIds   []uint64
	MediaType string
	Statuses  []types.VolStatus
	InChanger bool
	StorageId uint64
}

// JobFilter selects jobs for ListJobs. Zero fields do not filter.
type JobFilter struct {
	ClientId   uint64
	PoolId     uint64
	FileSetId  uint64
	Before     time.Time
	Types      []types.JobType
	Levels     []types.JobLevel
	PriorJobId uint64
	// Successful restricts to jobs terminated with usable data.
	Successful bool
}
