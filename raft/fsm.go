package raft

// CommandType is the closed set of operations a log entry can carry.
type CommandType int

const (
	PolicyUpdate CommandType = iota
	PolicyDelete
	CacheInvalidate
	ConfigChange
)

func (t CommandType) String() string {
	switch t {
	case PolicyUpdate:
		return "policy_update"
	case PolicyDelete:
		return "policy_delete"
	case CacheInvalidate:
		return "cache_invalidate"
	case ConfigChange:
		return "config_change"
	}
	return "unknown"
}

// Command is the payload of a log entry. Which fields are meaningful
// depends on Type: PolicyUpdate uses PolicyID/Data/TTLSeconds,
// PolicyDelete uses PolicyID, CacheInvalidate uses PolicyIDs.
type Command struct {
	Type       CommandType
	PolicyID   string
	Data       []byte
	TTLSeconds int
	PolicyIDs  []string
}

// FSM is implemented by the state machine that committed entries are
// applied to. Apply must be deterministic and free of I/O so that every
// replica that applies the same log prefix reaches identical state.
type FSM interface {
	Apply(e LogEntry)
}
