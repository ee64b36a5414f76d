package syncer

// State is the phase a Syncer is in.
type State int32

const (
	StateIdle State = iota
	StateFetchingRemoteMetadata
	StatePlanning
	StateAwaitingFirstSyncStrategy
	StateResolvingConflicts
	StateExecuting
	StatePersistingMetadata
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingRemoteMetadata:
		return "fetching-remote-metadata"
	case StatePlanning:
		return "planning"
	case StateAwaitingFirstSyncStrategy:
		return "awaiting-first-sync-strategy"
	case StateResolvingConflicts:
		return "resolving-conflicts"
	case StateExecuting:
		return "executing"
	case StatePersistingMetadata:
		return "persisting-metadata"
	default:
		return "unknown"
	}
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)
