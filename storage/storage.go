package storage

//go:generate mockgen -source=storage.go -destination=storage_mock.go -package=storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/raftforge/raft/param"
	"github.com/raftforge/raft/storage/file"
	"github.com/raftforge/raft/storage/inmemory"
)

const (
	InmemoryStorage = "inmemory"
	FileStorage     = "file"
)

// Storage is the stable storage contract of a consensus node. It persists the
// HardState (currentTerm, votedFor) and the log. Every write must be durable
// before it returns: the consensus core replies to a vote or append RPC only
// after the corresponding write succeeded, so a write that returns nil and
// later disappears breaks the protocol's safety argument.
type Storage interface {
	// SetState atomically persists the HardState.
	SetState(state param.HardState) error
	// GetState returns the last persisted HardState.
	GetState() (param.HardState, error)

	// AppendEntries atomically appends a batch of entries. Entries must
	// continue the log without an index gap.
	AppendEntries(entries []param.LogEntry) error

	// GetEntry returns the entry at index. Implementations return their
	// package-level ErrLogNotFound when the index is out of range.
	GetEntry(index uint64) (*param.LogEntry, error)

	// TruncateLog discards all entries from fromIndex (inclusive) to the end
	// of the log. Used to resolve a divergent suffix on a follower.
	TruncateLog(fromIndex uint64) error

	// FirstLogIndex returns the index of the first retained entry.
	FirstLogIndex() (uint64, error)
	// LastLogIndex returns the index of the last entry, 0 for an empty log.
	LastLogIndex() (uint64, error)
	// LogSize returns the number of retained entries.
	LogSize() (int, error)

	// SaveSnapshot atomically persists a snapshot, replacing any older one.
	SaveSnapshot(snapshot *param.Snapshot) error
	// ReadSnapshot returns the last saved snapshot, nil if there is none.
	ReadSnapshot() (*param.Snapshot, error)
	// CompactLog permanently drops all entries up to and including upToIndex.
	// Called after the covering snapshot is durably saved.
	CompactLog(upToIndex uint64) error

	Close() error
}

// StateMachine is the contract between the consensus core and the
// application it replicates. Apply is invoked with committed entries in
// strictly increasing index order, at least once per index; implementations
// must be idempotent under replay after a restart.
type StateMachine interface {
	// Apply applies one committed entry and returns the command result,
	// which is eventually handed to the waiting client.
	Apply(entry param.LogEntry) any

	// Get serves a read-only query. The consensus core only calls this
	// after its read-index confirmation, so the answer is linearizable.
	Get(key string) (string, error)

	// GetSnapshot serializes the full state machine content.
	GetSnapshot() ([]byte, error)

	// ApplySnapshot replaces the state machine content with a snapshot.
	ApplySnapshot(snapshot []byte) error
}

// NewStorage builds the Storage and StateMachine pair for one node.
func NewStorage(storageType, dataDir string, nodeID int) (Storage, StateMachine, error) {
	nodeDir := filepath.Join(dataDir, fmt.Sprintf("node-%d", nodeID))
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch storageType {
	case InmemoryStorage:
		log.Println("Using in-memory storage")
		return inmemory.NewInMemoryStorage(), inmemory.NewInMemoryStateMachine(), nil
	case FileStorage:
		storagePath := filepath.Join(nodeDir, "raft_storage.gob")
		smPath := filepath.Join(nodeDir, "raft_sm.json")

		store, err := file.NewStorage(storagePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file storage: %w", err)
		}

		stateMachine, err := file.NewStateMachine(smPath)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to create file state machine: %w", err)
		}
		log.Printf("Using file storage at %s", nodeDir)
		return store, stateMachine, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}
