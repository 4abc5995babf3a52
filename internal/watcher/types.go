// Package watcher detects, filters, debounces, and batches filesystem
// events for the build optimizer, with priority-bucketed batching and
// a critical-priority bypass.
package watcher

import "fmt"

// ChangeKind is the sum type of filesystem change kinds.
type ChangeKind int

const (
	Created ChangeKind = iota
	Modified
	Deleted
	Renamed
	Attribute
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	case Attribute:
		return "attribute"
	default:
		return "unknown"
	}
}

// ChangeMask is a bitmask over ChangeKind, used by watch registrations
// and filter rules to select which kinds they care about.
type ChangeMask uint8

const (
	MaskCreated ChangeMask = 1 << iota
	MaskModified
	MaskDeleted
	MaskRenamed
	MaskAttribute
)

// MaskAll matches every change kind.
const MaskAll = MaskCreated | MaskModified | MaskDeleted | MaskRenamed | MaskAttribute

func maskFor(k ChangeKind) ChangeMask {
	switch k {
	case Created:
		return MaskCreated
	case Modified:
		return MaskModified
	case Deleted:
		return MaskDeleted
	case Renamed:
		return MaskRenamed
	case Attribute:
		return MaskAttribute
	default:
		return 0
	}
}

// Priority is the sum type of event/batch priorities,
// ordered from most to least urgent.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// priorityCount is the number of Priority values, used to size
// per-priority bucket arrays.
const priorityCount = int(Background) + 1

// FSKind classifies the filesystem backing a watched path.
type FSKind int

const (
	Local FSKind = iota
	Network
	Remote
)

func (k FSKind) String() string {
	switch k {
	case Local:
		return "local"
	case Network:
		return "network"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// FileEvent is a single filtered filesystem change.
type FileEvent struct {
	Path          string
	Kind          ChangeKind
	Priority      Priority
	TimestampNs   int64
	Size          int64
	BatchID       uint64
	FSKind        FSKind
	IsDir         bool
	NeedsDebounce bool
}

// ChangeBatch is a bounded, ordered sequence of events sharing a batch
// ID.
type ChangeBatch struct {
	ID              uint64
	Events          []FileEvent
	FirstEventNs    int64
	LastEventNs     int64
	HighestPriority Priority
}

func (b *ChangeBatch) String() string {
	return fmt.Sprintf("batch#%d[%d events, priority=%s]", b.ID, len(b.Events), b.HighestPriority)
}
