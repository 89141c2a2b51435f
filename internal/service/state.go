package service

// State is the progress of the most recent ingestion.
type State int32

const (
	StateEmpty State = iota
	StateSegmented
	StateEmbedded
	StateIndexed
	StateQueryable
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSegmented:
		return "segmented"
	case StateEmbedded:
		return "embedded"
	case StateIndexed:
		return "indexed"
	case StateQueryable:
		return "queryable"
	default:
		return "unknown"
	}
}
