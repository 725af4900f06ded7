package types

import "strings"

// VolStatus is the catalog status of a volume.
type VolStatus string

const (
	VolAppend   VolStatus = "Append"
	VolFull     VolStatus = "Full"
	VolUsed     VolStatus = "Used"
	VolPurged   VolStatus = "Purged"
	VolRecycle  VolStatus = "Recycle"
	VolArchive  VolStatus = "Archive"
	VolError    VolStatus = "Error"
	VolCleaning VolStatus = "Cleaning"
	VolDisabled VolStatus = "Disabled"
	VolReadOnly VolStatus = "Read-Only"
)

var allVolStatus = []VolStatus{
	VolAppend, VolFull, VolUsed, VolPurged, VolRecycle,
	VolArchive, VolError, VolCleaning, VolDisabled, VolReadOnly,
}

// ParseVolStatus parses a status name case-insensitively.
func ParseVolStatus(s string) (VolStatus, bool) {
	for _, st := range allVolStatus {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Administrative reports whether the status can only be entered by an operator.
func (s VolStatus) Administrative() bool {
	switch s {
	case VolArchive, VolCleaning, VolDisabled, VolReadOnly:
		return true
	}
	return false
}

// Prunable reports whether a volume in this status may be pruned or purged.
func (s VolStatus) Prunable() bool {
	switch s {
	case VolAppend, VolFull, VolUsed, VolError:
		return true
	}
	return false
}

// VolEnabled is the tri-state Enabled column of a volume.
type VolEnabled int

const (
	VolDisabledState VolEnabled = 0
	VolEnabledState  VolEnabled = 1
	VolArchived      VolEnabled = 2
)

func (e VolEnabled) String() string {
	switch e {
	case VolDisabledState:
		return "disabled"
	case VolEnabledState:
		return "enabled"
	case VolArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// JobType is the single letter job type code stored in the catalog.
type JobType byte

const (
	JobBackup      JobType = 'B'
	JobMigratedJob JobType = 'M'
	JobVerify      JobType = 'V'
	JobRestore     JobType = 'R'
	JobConsole     JobType = 'U'
	JobSystem      JobType = 'I'
	JobAdmin       JobType = 'D'
	JobArchive     JobType = 'A'
	JobJobCopy     JobType = 'C'
	JobCopy        JobType = 'c'
	JobMigrate     JobType = 'g'
	JobScan        JobType = 'S'
	JobConsolidate JobType = 'O'
)

func (t JobType) String() string { return string(rune(t)) }

// JobLevel is the single letter backup or verify level.
type JobLevel byte

const (
	LevelFull            JobLevel = 'F'
	LevelIncremental     JobLevel = 'I'
	LevelDifferential    JobLevel = 'D'
	LevelVirtualFull     JobLevel = 'f'
	LevelSince           JobLevel = 'S'
	LevelVerifyCatalog   JobLevel = 'C'
	LevelVerifyInit      JobLevel = 'V'
	LevelVerifyVolToCat  JobLevel = 'O'
	LevelVerifyDiskToCat JobLevel = 'd'
	LevelVerifyData      JobLevel = 'A'
	LevelBase            JobLevel = 'B'
	LevelNone            JobLevel = ' '
)

func (l JobLevel) String() string {
	switch l {
	case LevelFull:
		return "Full"
	case LevelIncremental:
		return "Incremental"
	case LevelDifferential:
		return "Differential"
	case LevelVirtualFull:
		return "VirtualFull"
	case LevelSince:
		return "Since"
	case LevelVerifyCatalog:
		return "Catalog"
	case LevelVerifyInit:
		return "InitCatalog"
	case LevelVerifyVolToCat:
		return "VolumeToCatalog"
	case LevelVerifyDiskToCat:
		return "DiskToCatalog"
	case LevelVerifyData:
		return "Data"
	case LevelBase:
		return "Base"
	default:
		return "None"
	}
}

// JobStatus is the single letter job termination or running status.
type JobStatus byte

const (
	JobCreated           JobStatus = 'C'
	JobRunning           JobStatus = 'R'
	JobBlocked           JobStatus = 'B'
	JobTerminated        JobStatus = 'T'
	JobWarnings          JobStatus = 'W'
	JobErrorTerminated   JobStatus = 'E'
	JobNonFatalError     JobStatus = 'e'
	JobFatalError        JobStatus = 'f'
	JobDiffs             JobStatus = 'D'
	JobCanceled          JobStatus = 'A'
	JobIncomplete        JobStatus = 'I'
	JobWaitMount         JobStatus = 'M'
	JobWaitMedia         JobStatus = 'm'
	JobWaitStoreResource JobStatus = 'S'
)

// Successful reports whether the job finished with usable data.
func (s JobStatus) Successful() bool {
	return s == JobTerminated || s == JobWarnings
}

func (s JobStatus) String() string { return string(rune(s)) }

// StorageProtocol selects the wire encoder used to talk to a storage daemon.
type StorageProtocol int

const (
	ProtocolNative StorageProtocol = iota
	ProtocolNDMPBareos
	ProtocolNDMPNative
)

func (p StorageProtocol) String() string {
	switch p {
	case ProtocolNative:
		return "native"
	case ProtocolNDMPBareos:
		return "ndmp_bareos"
	case ProtocolNDMPNative:
		return "ndmp_native"
	default:
		return "unknown"
	}
}

// ParseStorageProtocol maps a configuration string onto a protocol.
func ParseStorageProtocol(s string) (StorageProtocol, bool) {
	switch strings.ToLower(s) {
	case "", "native":
		return ProtocolNative, true
	case "ndmp_bareos", "ndmp":
		return ProtocolNDMPBareos, true
	case "ndmp_native":
		return ProtocolNDMPNative, true
	}
	return 0, false
}

// SlotFlags describes the state of an autochanger slot.
type SlotFlags uint8

const (
	SlotFull SlotFlags = 1 << iota
	SlotCleaning
	SlotImportExport
	SlotDrive
)

func (f SlotFlags) Has(flag SlotFlags) bool { return f&flag != 0 }

func (f SlotFlags) With(flag SlotFlags) SlotFlags { return f | flag }

func (f SlotFlags) Without(flag SlotFlags) SlotFlags { return f &^ flag }

func (f SlotFlags) String() string {
	var parts []string
	if f.Has(SlotFull) {
		parts = append(parts, "full")
	}
	if f.Has(SlotCleaning) {
		parts = append(parts, "cleaning")
	}
	if f.Has(SlotImportExport) {
		parts = append(parts, "import-export")
	}
	if f.Has(SlotDrive) {
		parts = append(parts, "drive")
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, ",")
}
