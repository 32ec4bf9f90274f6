package inmemory

import (
	"errors"
	"sync"

	"github.com/raftforge/raft/param"
)

var (
	ErrLogNotFound      = errors.New("log entry not found")
	ErrIndexOutOfBounds = errors.New("index is out of bounds")
	ErrLogGap           = errors.New("appended entries leave a gap in the log")
)

// Storage is a thread-safe in-memory implementation of the Storage interface.
// It is the default backend for tests and single-process clusters; nothing
// survives a restart.
type Storage struct {
	mu sync.RWMutex

	hardState param.HardState

	snapshot *param.Snapshot

	// The log starts with a dummy entry at slice position 0. After compaction
	// logOffset records the Raft index of that dummy slot, so the entry at
	// Raft index i lives at log[i-logOffset].
	log       []param.LogEntry
	logOffset uint64
}

// NewInMemoryStorage creates an empty in-memory storage.
func NewInMemoryStorage() *Storage {
	return &Storage{
		log:       make([]param.LogEntry, 1),
		logOffset: 0,
	}
}

func (s *Storage) SetState(state param.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = state
	return nil
}

func (s *Storage) GetState() (param.HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, nil
}

func (s *Storage) AppendEntries(entries []param.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	nextIndex := s.logOffset + uint64(len(s.log))
	if entries[0].Index != nextIndex {
		return ErrLogGap
	}
	s.log = append(s.log, entries...)
	return nil
}

func (s *Storage) GetEntry(index uint64) (*param.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < s.logOffset+1 || index >= s.logOffset+uint64(len(s.log)) {
		return nil, ErrLogNotFound
	}
	return &s.log[index-s.logOffset], nil
}

func (s *Storage) TruncateLog(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromIndex < s.logOffset+1 {
		return ErrIndexOutOfBounds
	}
	if fromIndex >= s.logOffset+uint64(len(s.log)) {
		// Nothing at or past fromIndex, nothing to discard.
		return nil
	}

	s.log = s.log[:fromIndex-s.logOffset]
	return nil
}

func (s *Storage) FirstLogIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logOffset + 1, nil
}

func (s *Storage) LastLogIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logOffset + uint64(len(s.log)) - 1, nil
}

func (s *Storage) LogSize() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log) - 1, nil
}

func (s *Storage) SaveSnapshot(snapshot *param.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	return nil
}

func (s *Storage) ReadSnapshot() (*param.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, nil
}

func (s *Storage) CompactLog(upToIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upToIndex <= s.logOffset {
		return nil
	}

	lastIndex := s.logOffset + uint64(len(s.log)) - 1
	if upToIndex >= lastIndex {
		// The snapshot covers the whole log. This happens when a follower
		// installs a leader snapshot that is ahead of its own log.
		s.log = make([]param.LogEntry, 1)
		s.logOffset = upToIndex
		return nil
	}

	// Keep everything after upToIndex behind a fresh dummy slot, so the
	// compacted prefix can be garbage collected.
	sliceIndexToKeep := upToIndex - s.logOffset + 1
	newLog := make([]param.LogEntry, 1, 1+uint64(len(s.log))-sliceIndexToKeep)
	newLog = append(newLog, s.log[sliceIndexToKeep:]...)

	s.log = newLog
	s.logOffset = upToIndex
	return nil
}

// Close is a no-op for the in-memory implementation.
func (s *Storage) Close() error {
	return nil
}
