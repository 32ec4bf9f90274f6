package param

// LogEntry is a single entry in the replicated log. Index is 1-based and
// contiguous; index 0 is the dummy slot before the first real entry.
type LogEntry struct {
	Command any
	Term    uint64
	Index   uint64

	// ClientID and SequenceNum identify the client request that produced this
	// entry, zero for entries the protocol appends on its own. Carrying them
	// in the log lets every replica rebuild its duplicate-detection table
	// from the entries it applies, so the session survives a leader change.
	ClientID    int64
	SequenceNum int64
}

// NewLogEntry creates a new LogEntry.
func NewLogEntry(command any, term, index uint64) LogEntry {
	return LogEntry{
		Command: command,
		Term:    term,
		Index:   index,
	}
}

// CommitEntry is the data reported on the commit channel. Each commit entry
// notifies the consumer that consensus was reached on a command and it can be
// applied to the consumer's state machine.
type CommitEntry struct {
	// Command is the client command being committed.
	Command any

	// Index is the log index at which the command is committed.
	Index uint64

	// Term is the term at which the command is committed.
	Term uint64
}

// NoVote is the HardState.VotedFor sentinel for "no vote cast this term".
const NoVote int64 = -1

// HardState is the state that must survive a restart. It has to reach stable
// storage before the node makes any promise that depends on it: a vote grant
// and an append acknowledgement are both such promises.
type HardState struct {
	CurrentTerm uint64
	VotedFor    int64
}

// Snapshot is a compacted log prefix together with the serialized state
// machine content up to LastIncludedIndex.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// NewSnapshot creates a new Snapshot.
func NewSnapshot(lastIncludedIndex, lastIncludedTerm uint64, data []byte) *Snapshot {
	return &Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Data:              data,
	}
}
