package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/raftforge/raft/param"
)

var ErrKeyNotFound = errors.New("key not found")

// StateMachine is a file-backed key-value store. The map is rewritten to disk
// as JSON on every mutation with the same temp-file-and-rename scheme as the
// log storage.
type StateMachine struct {
	mu       sync.RWMutex
	filePath string
	kvStore  map[string]string
}

// NewStateMachine opens or creates a file-backed state machine at filePath.
func NewStateMachine(filePath string) (*StateMachine, error) {
	sm := &StateMachine{
		filePath: filePath,
		kvStore:  make(map[string]string),
	}

	if err := sm.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load state machine file: %w", err)
		}
		if err := sm.persist(); err != nil {
			return nil, err
		}
	}
	return sm, nil
}

func (sm *StateMachine) load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &sm.kvStore)
}

func (sm *StateMachine) persist() error {
	data, err := json.Marshal(sm.kvStore)
	if err != nil {
		return err
	}

	tmpPath := sm.filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
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
	return os.Rename(tmpPath, sm.filePath)
}

// Apply executes one committed command and persists the result.
func (sm *StateMachine) Apply(entry param.LogEntry) any {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cmd, err := decodeCommand(entry.Command)
	if err != nil {
		return err
	}

	switch cmd.Op {
	case "set":
		sm.kvStore[cmd.Key] = cmd.Value
		if err := sm.persist(); err != nil {
			return err
		}
		return nil
	case "delete":
		delete(sm.kvStore, cmd.Key)
		if err := sm.persist(); err != nil {
			return err
		}
		return nil
	case "get":
		if val, ok := sm.kvStore[cmd.Key]; ok {
			return val
		}
		return ErrKeyNotFound
	default:
		return fmt.Errorf("unknown operation: %s", cmd.Op)
	}
}

// Get queries a key without going through the log.
func (sm *StateMachine) Get(key string) (string, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if val, ok := sm.kvStore[key]; ok {
		return val, nil
	}
	return "", ErrKeyNotFound
}

// GetSnapshot serializes the whole store as JSON.
func (sm *StateMachine) GetSnapshot() ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return json.Marshal(sm.kvStore)
}

// ApplySnapshot replaces the store content with a snapshot and persists it.
func (sm *StateMachine) ApplySnapshot(snapshot []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var newStore map[string]string
	if err := json.Unmarshal(snapshot, &newStore); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if newStore == nil {
		newStore = make(map[string]string)
	}

	old := sm.kvStore
	sm.kvStore = newStore
	if err := sm.persist(); err != nil {
		sm.kvStore = old
		return err
	}
	return nil
}

func decodeCommand(raw any) (param.KVCommand, error) {
	switch c := raw.(type) {
	case param.KVCommand:
		return c, nil
	case []byte:
		var cmd param.KVCommand
		if err := json.Unmarshal(c, &cmd); err != nil {
			return param.KVCommand{}, fmt.Errorf("failed to unmarshal command: %w", err)
		}
		return cmd, nil
	case string:
		var cmd param.KVCommand
		if err := json.Unmarshal([]byte(c), &cmd); err != nil {
			return param.KVCommand{}, fmt.Errorf("failed to unmarshal command: %w", err)
		}
		return cmd, nil
	default:
		return param.KVCommand{}, fmt.Errorf("unsupported command type %T", raw)
	}
}
