package inmemory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/raftforge/raft/param"
)

var ErrKeyNotFound = errors.New("key not found")

// StateMachine is an in-memory key-value store implementing the StateMachine
// interface. Commands are JSON-encoded KVCommand values.
type StateMachine struct {
	mu      sync.RWMutex
	kvStore map[string]string
}

// NewInMemoryStateMachine creates an empty in-memory state machine.
func NewInMemoryStateMachine() *StateMachine {
	return &StateMachine{
		kvStore: make(map[string]string),
	}
}

// Apply executes one committed command against the store. Set and delete are
// idempotent, so replaying a suffix of the log after a restart is safe.
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
		return nil
	case "delete":
		delete(sm.kvStore, cmd.Key)
		return nil
	case "get":
		// Reads normally take the Get path, but a client may also submit a
		// get through the log to force a write-path read.
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

// ApplySnapshot replaces the store content with a snapshot.
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
	sm.kvStore = newStore
	return nil
}

// decodeCommand accepts the shapes a command can arrive in: a KVCommand
// value submitted locally, or its JSON bytes after a trip through the wire.
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
