package file

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/raftforge/raft/param"
)

var (
	ErrLogNotFound      = errors.New("log entry not found")
	ErrIndexOutOfBounds = errors.New("index is out of bounds")
	ErrLogGap           = errors.New("appended entries leave a gap in the log")
)

// Storage is a file-backed implementation of the Storage interface. The whole
// state is kept in memory and rewritten to disk with encoding/gob on every
// mutation, using a temp file, fsync and rename so a crash mid-write leaves
// the previous image intact. A write that returns nil has reached the disk,
// which is what lets the consensus core treat its replies as promises.
type Storage struct {
	mu       sync.RWMutex
	filePath string

	hardState param.HardState
	snapshot  *param.Snapshot
	log       []param.LogEntry
	logOffset uint64
}

// persistentData is the on-disk layout.
type persistentData struct {
	HardState param.HardState
	Snapshot  *param.Snapshot
	Log       []param.LogEntry
	LogOffset uint64
}

// NewStorage opens or creates a file storage at filePath and recovers any
// previously persisted state.
func NewStorage(filePath string) (*Storage, error) {
	s := &Storage{
		filePath:  filePath,
		log:       make([]param.LogEntry, 1), // log[0] is a dummy slot
		logOffset: 0,
	}

	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load storage file: %w", err)
		}
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) load() error {
	f, err := os.Open(s.filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var data persistentData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return err
	}

	s.hardState = data.HardState
	s.snapshot = data.Snapshot
	s.log = data.Log
	s.logOffset = data.LogOffset
	if len(s.log) == 0 {
		s.log = make([]param.LogEntry, 1)
	}
	return nil
}

// persist writes the full image to a temp file, fsyncs it and renames it over
// the live file. Rename is atomic on POSIX filesystems.
func (s *Storage) persist() error {
	data := persistentData{
		HardState: s.hardState,
		Snapshot:  s.snapshot,
		Log:       s.log,
		LogOffset: s.logOffset,
	}

	tmpPath := s.filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := gob.NewEncoder(f).Encode(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.filePath)
}

func (s *Storage) SetState(state param.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.hardState
	s.hardState = state
	if err := s.persist(); err != nil {
		s.hardState = old
		return err
	}
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

	oldLen := len(s.log)
	s.log = append(s.log, entries...)
	if err := s.persist(); err != nil {
		s.log = s.log[:oldLen]
		return err
	}
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
		return nil
	}

	old := s.log
	s.log = s.log[:fromIndex-s.logOffset]
	if err := s.persist(); err != nil {
		s.log = old
		return err
	}
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

	old := s.snapshot
	s.snapshot = snapshot
	if err := s.persist(); err != nil {
		s.snapshot = old
		return err
	}
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
		oldLog, oldOffset := s.log, s.logOffset
		s.log = make([]param.LogEntry, 1)
		s.logOffset = upToIndex
		if err := s.persist(); err != nil {
			s.log, s.logOffset = oldLog, oldOffset
			return err
		}
		return nil
	}

	sliceIndexToKeep := upToIndex - s.logOffset + 1
	newLog := make([]param.LogEntry, 1, 1+uint64(len(s.log))-sliceIndexToKeep)
	newLog = append(newLog, s.log[sliceIndexToKeep:]...)

	oldLog, oldOffset := s.log, s.logOffset
	s.log = newLog
	s.logOffset = upToIndex
	if err := s.persist(); err != nil {
		s.log, s.logOffset = oldLog, oldOffset
		return err
	}
	return nil
}

func (s *Storage) Close() error {
	return nil
}
