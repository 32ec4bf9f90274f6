package raft

import (
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftforge/raft/param"
	"github.com/raftforge/raft/storage"
	"github.com/raftforge/raft/storage/inmemory"
	"github.com/raftforge/raft/transport"
)

func TestDetermineReplicationAction(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("NotLeaderDoesNothing", func(t *testing.T) {
		r := &Raft{state: Follower}
		assert.Equal(t, actionDoNothing, r.determineReplicationAction(2))
	})

	t.Run("PeerWithinLogSendsLogs", func(t *testing.T) {
		mockStore := storage.NewMockStorage(ctrl)
		mockStore.EXPECT().FirstLogIndex().Return(uint64(5), nil)

		r := &Raft{
			state:     Leader,
			store:     mockStore,
			nextIndex: map[int]uint64{2: 11},
		}
		assert.Equal(t, actionSendLogs, r.determineReplicationAction(2))
	})

	t.Run("PeerBehindCompactionSendsSnapshot", func(t *testing.T) {
		mockStore := storage.NewMockStorage(ctrl)
		mockStore.EXPECT().FirstLogIndex().Return(uint64(5), nil)

		r := &Raft{
			state:     Leader,
			store:     mockStore,
			nextIndex: map[int]uint64{2: 3},
		}
		assert.Equal(t, actionSendSnapshot, r.determineReplicationAction(2))
	})

	t.Run("CachedSnapshotBoundsTheLog", func(t *testing.T) {
		// With a snapshot cached, the first available index comes from it and
		// storage is not consulted at all.
		r := &Raft{
			state:     Leader,
			snapshot:  param.NewSnapshot(10, 2, nil),
			nextIndex: map[int]uint64{2: 5},
		}
		assert.Equal(t, actionSendSnapshot, r.determineReplicationAction(2))
	})
}

func TestReplicateLogsToPeer_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := storage.NewMockStorage(ctrl)
	mockTrans := transport.NewMockTransport(ctrl)
	expectInitCalls(mockStore)

	commitChan := make(chan param.CommitEntry, 10)
	r := NewRaft(1, []int{2, 3}, mockStore, nil, mockTrans, commitChan)
	r.state = Leader
	r.currentTerm = 3
	r.commitIndex = 10
	r.lastApplied = 10
	r.nextIndex = map[int]uint64{2: 11, 3: 11}
	r.matchIndex = map[int]uint64{2: 0, 3: 0}

	mockStore.EXPECT().GetEntry(uint64(10)).Return(&param.LogEntry{Term: 3, Index: 10}, nil).AnyTimes()
	mockStore.EXPECT().GetEntry(uint64(11)).Return(&param.LogEntry{Command: "cmd-11", Term: 3, Index: 11}, nil).AnyTimes()
	mockStore.EXPECT().LastLogIndex().Return(uint64(11), nil).AnyTimes()
	mockStore.EXPECT().FirstLogIndex().Return(uint64(1), nil).AnyTimes()

	mockTrans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(id string, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
			assert.Equal(t, "2", id)
			assert.Equal(t, uint64(10), args.PrevLogIndex)
			assert.Equal(t, uint64(3), args.PrevLogTerm)
			require.Len(t, args.Entries, 1)
			assert.Equal(t, uint64(11), args.Entries[0].Index)

			reply.Term = args.Term
			reply.Success = true
			reply.MatchIndex = 11
			return nil
		}).Times(1)

	r.replicateLogsToPeer(2)

	select {
	case entry := <-commitChan:
		assert.Equal(t, uint64(11), entry.Index)
		assert.Equal(t, "cmd-11", entry.Command)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for the entry to commit")
	}

	r.mu.Lock()
	assert.Equal(t, uint64(12), r.nextIndex[2])
	assert.Equal(t, uint64(11), r.matchIndex[2])
	assert.Equal(t, uint64(11), r.commitIndex)
	assert.Equal(t, uint64(11), r.lastApplied)
	assert.WithinDuration(t, time.Now(), r.lastAck[2], time.Second, "a term-matching reply refreshes the lease")
	r.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
}

func TestReplicateLogsToPeer_FollowerRejectsWithConflictHint(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := storage.NewMockStorage(ctrl)
	mockTrans := transport.NewMockTransport(ctrl)
	expectInitCalls(mockStore)

	r := NewRaft(1, []int{2, 3}, mockStore, nil, mockTrans, nil)
	r.state = Leader
	r.currentTerm = 3
	r.commitIndex = 10
	r.lastApplied = 10
	r.nextIndex = map[int]uint64{2: 11, 3: 11}
	r.matchIndex = map[int]uint64{2: 0, 3: 0}

	mockStore.EXPECT().GetEntry(gomock.Any()).
		DoAndReturn(func(index uint64) (*param.LogEntry, error) {
			return &param.LogEntry{Term: 3, Index: index}, nil
		}).AnyTimes()
	mockStore.EXPECT().LastLogIndex().Return(uint64(11), nil).AnyTimes()
	mockStore.EXPECT().FirstLogIndex().Return(uint64(1), nil).AnyTimes()

	// First attempt is rejected with a conflict hint; the retry from index 8
	// succeeds.
	gomock.InOrder(
		mockTrans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(id string, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
				assert.Equal(t, uint64(10), args.PrevLogIndex)
				reply.Term = args.Term
				reply.Success = false
				reply.ConflictIndex = 8
				return nil
			}),
		mockTrans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(id string, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
				assert.Equal(t, uint64(7), args.PrevLogIndex, "retry should start from the conflict hint")
				require.Len(t, args.Entries, 4)
				reply.Term = args.Term
				reply.Success = true
				return nil
			}),
	)

	r.replicateLogsToPeer(2)

	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.nextIndex[2] == 12 && r.matchIndex[2] == 11
	}, time.Second, 5*time.Millisecond, "retry after the conflict hint should catch the follower up")

	time.Sleep(50 * time.Millisecond)
}

func TestAppendEntries_FollowerLogic(t *testing.T) {
	t.Run("RejectStaleTerm", func(t *testing.T) {
		r := &Raft{currentTerm: 5, state: Follower}

		args := &param.AppendEntriesArgs{Term: 4, LeaderID: 2}
		reply := &param.AppendEntriesReply{}
		err := r.AppendEntries(args, reply)

		assert.NoError(t, err)
		assert.False(t, reply.Success)
		assert.Equal(t, uint64(5), reply.Term)
	})

	t.Run("ConflictHintWhenLogTooShort", func(t *testing.T) {
		store := inmemory.NewInMemoryStorage()
		r := NewRaft(1, []int{2, 3}, store, nil, nil, nil)
		r.currentTerm = 1

		var entries []param.LogEntry
		for i := uint64(1); i <= 7; i++ {
			entries = append(entries, param.NewLogEntry("cmd", 1, i))
		}
		require.NoError(t, store.AppendEntries(entries))

		args := param.NewAppendEntriesArgs(1, 2, 10, 1, 0, nil)
		reply := &param.AppendEntriesReply{}
		require.NoError(t, r.AppendEntries(args, reply))

		assert.False(t, reply.Success)
		assert.Equal(t, uint64(8), reply.ConflictIndex, "hint should point just past the local log")
		assert.Equal(t, uint64(0), reply.ConflictTerm)
	})

	t.Run("ConflictHintWalksBackWholeTerm", func(t *testing.T) {
		store := inmemory.NewInMemoryStorage()
		r := NewRaft(1, []int{2, 3}, store, nil, nil, nil)
		r.currentTerm = 5

		terms := []uint64{1, 1, 2, 2, 3, 4, 4}
		var entries []param.LogEntry
		for i, term := range terms {
			entries = append(entries, param.NewLogEntry("cmd", term, uint64(i+1)))
		}
		require.NoError(t, store.AppendEntries(entries))

		args := param.NewAppendEntriesArgs(5, 2, 7, 5, 0, nil)
		reply := &param.AppendEntriesReply{}
		require.NoError(t, r.AppendEntries(args, reply))

		assert.False(t, reply.Success)
		assert.Equal(t, uint64(4), reply.ConflictTerm)
		assert.Equal(t, uint64(6), reply.ConflictIndex, "hint should be the first index of the conflicting term")
	})

	t.Run("StaleDuplicateDoesNotTruncate", func(t *testing.T) {
		store := inmemory.NewInMemoryStorage()
		r := NewRaft(1, []int{2, 3}, store, nil, nil, nil)
		r.currentTerm = 1

		var entries []param.LogEntry
		for i := uint64(1); i <= 5; i++ {
			entries = append(entries, param.NewLogEntry("cmd", 1, i))
		}
		require.NoError(t, store.AppendEntries(entries))

		// A delayed retransmission carrying an already-stored prefix.
		dup := []param.LogEntry{
			param.NewLogEntry("cmd", 1, 1),
			param.NewLogEntry("cmd", 1, 2),
		}
		args := param.NewAppendEntriesArgs(1, 2, 0, 0, 0, dup)
		reply := &param.AppendEntriesReply{}
		require.NoError(t, r.AppendEntries(args, reply))

		assert.True(t, reply.Success)
		assert.Equal(t, uint64(2), reply.MatchIndex)

		lastIndex, err := store.LastLogIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), lastIndex, "the matching suffix must survive a duplicate RPC")
	})

	t.Run("TruncatesFromFirstRealConflict", func(t *testing.T) {
		store := inmemory.NewInMemoryStorage()
		commitChan := make(chan param.CommitEntry, 10)
		r := NewRaft(1, []int{2, 3}, store, nil, nil, commitChan)
		r.currentTerm = 1

		terms := []uint64{1, 1, 1, 2, 2}
		var entries []param.LogEntry
		for i, term := range terms {
			entries = append(entries, param.NewLogEntry("old", term, uint64(i+1)))
		}
		require.NoError(t, store.AppendEntries(entries))

		newEntries := []param.LogEntry{
			param.NewLogEntry("new", 3, 4),
			param.NewLogEntry("new", 3, 5),
		}
		args := param.NewAppendEntriesArgs(3, 2, 3, 1, 5, newEntries)
		reply := &param.AppendEntriesReply{}
		require.NoError(t, r.AppendEntries(args, reply))

		assert.True(t, reply.Success)
		assert.Equal(t, uint64(5), reply.MatchIndex)
		assert.Equal(t, uint64(3), r.currentTerm, "higher term should be adopted")
		assert.Equal(t, 2, r.knownLeaderID)

		entry, err := store.GetEntry(4)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), entry.Term, "the conflicting suffix must be replaced")

		// Everything up to LeaderCommit reaches the commit channel.
		var lastCommitted uint64
		for lastCommitted != 5 {
			select {
			case entry := <-commitChan:
				lastCommitted = entry.Index
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for committed entries")
			}
		}
	})
}

func TestIsReplicatedByMajority(t *testing.T) {
	tests := []struct {
		name       string
		peerIDs    []int
		matchIndex map[int]uint64
		index      uint64
		expected   bool
	}{
		{
			name:       "MajorityOfThree",
			peerIDs:    []int{2, 3},
			matchIndex: map[int]uint64{2: 5, 3: 0},
			index:      5,
			expected:   true,
		},
		{
			name:       "LeaderAloneIsNotMajority",
			peerIDs:    []int{2, 3},
			matchIndex: map[int]uint64{2: 0, 3: 0},
			index:      5,
			expected:   false,
		},
		{
			name:       "MajorityOfFive",
			peerIDs:    []int{2, 3, 4, 5},
			matchIndex: map[int]uint64{2: 5, 3: 5, 4: 0, 5: 0},
			index:      5,
			expected:   true,
		},
		{
			name:       "TwoOfFiveIsNotMajority",
			peerIDs:    []int{2, 3, 4, 5},
			matchIndex: map[int]uint64{2: 5, 3: 0, 4: 0, 5: 0},
			index:      5,
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Raft{peerIDs: tt.peerIDs, matchIndex: tt.matchIndex}
			assert.Equal(t, tt.expected, r.isReplicatedByMajority(tt.index))
		})
	}
}

// TestUpdateCommitIndex_RequiresCurrentTerm verifies the commit rule: an index
// only commits by counting replicas when its entry carries the leader's term.
func TestUpdateCommitIndex_RequiresCurrentTerm(t *testing.T) {
	tests := []struct {
		name           string
		entryTerm      uint64
		expectedCommit uint64
	}{
		{name: "OldTermEntryDoesNotCommit", entryTerm: 2, expectedCommit: 0},
		{name: "CurrentTermEntryCommits", entryTerm: 3, expectedCommit: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockStore := storage.NewMockStorage(ctrl)
			mockStore.EXPECT().LastLogIndex().Return(uint64(5), nil)
			mockStore.EXPECT().GetEntry(uint64(5)).Return(&param.LogEntry{Term: tt.entryTerm, Index: 5}, nil)

			r := &Raft{
				state:       Leader,
				currentTerm: 3,
				peerIDs:     []int{2, 3},
				matchIndex:  map[int]uint64{2: 5, 3: 5},
				lastApplied: 5,
				store:       mockStore,
			}
			r.mu.Lock()
			r.updateCommitIndex()
			r.mu.Unlock()

			assert.Equal(t, tt.expectedCommit, r.commitIndex)
			time.Sleep(20 * time.Millisecond)
		})
	}
}

// TestApplier_AppliesStrictlyInOrder blocks the state machine on the first
// entry and commits a second one in the meantime: the second entry must not
// reach the state machine, and lastApplied must not be advertised, until the
// first application has returned.
func TestApplier_AppliesStrictlyInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := inmemory.NewInMemoryStorage()
	mockSM := storage.NewMockStateMachine(ctrl)

	require.NoError(t, store.AppendEntries([]param.LogEntry{
		param.NewLogEntry("cmd-1", 1, 1),
		param.NewLogEntry("cmd-2", 1, 2),
	}))

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var applied []uint64

	mockSM.EXPECT().Apply(gomock.Any()).
		DoAndReturn(func(entry param.LogEntry) any {
			if entry.Index == 1 {
				close(firstStarted)
				<-release
			}
			mu.Lock()
			applied = append(applied, entry.Index)
			mu.Unlock()
			return nil
		}).Times(2)

	r := NewRaft(1, []int{2, 3}, store, mockSM, nil, nil)
	defer r.Stop()

	r.mu.Lock()
	r.currentTerm = 1
	r.commitIndex = 1
	r.mu.Unlock()
	r.signalApply()

	select {
	case <-firstStarted:
	case <-time.After(time.Second):
		t.Fatal("the first entry never reached the state machine")
	}

	// Commit the second entry while the first is still inside Apply.
	r.mu.Lock()
	r.commitIndex = 2
	r.mu.Unlock()
	r.signalApply()

	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	assert.Equal(t, uint64(0), r.lastApplied, "lastApplied must not be advertised before Apply returns")
	r.mu.Unlock()
	mu.Lock()
	assert.Empty(t, applied, "nothing may complete while the first entry is still applying")
	mu.Unlock()

	close(release)

	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastApplied == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, applied, "entries must reach the state machine in index order")
	mu.Unlock()
}

// TestApplier_NotifiesWaiterAndCommitChannel verifies one applied entry fans
// out to all three consumers: state machine, commit channel, client waiter.
func TestApplier_NotifiesWaiterAndCommitChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := inmemory.NewInMemoryStorage()
	mockSM := storage.NewMockStateMachine(ctrl)
	mockSM.EXPECT().Apply(gomock.Any()).Return("applied-result").Times(1)

	require.NoError(t, store.AppendEntries([]param.LogEntry{param.NewLogEntry("cmd", 2, 1)}))

	commitChan := make(chan param.CommitEntry, 1)
	r := NewRaft(1, []int{2, 3}, store, mockSM, nil, commitChan)
	defer r.Stop()

	notifyChan := make(chan any, 1)
	r.mu.Lock()
	r.currentTerm = 2
	r.notifyApply[1] = notifyChan
	r.commitIndex = 1
	r.mu.Unlock()
	r.signalApply()

	select {
	case entry := <-commitChan:
		assert.Equal(t, uint64(1), entry.Index)
		assert.Equal(t, "cmd", entry.Command)
	case <-time.After(time.Second):
		t.Fatal("commit channel should have received the entry")
	}

	select {
	case result := <-notifyChan:
		assert.Equal(t, "applied-result", result)
	case <-time.After(time.Second):
		t.Fatal("notify channel should have received the apply result")
	}

	r.mu.Lock()
	_, exists := r.notifyApply[1]
	r.mu.Unlock()
	assert.False(t, exists, "the notify channel must be removed after the apply")
}

// TestApplier_SkipsNoOpEntries verifies the term-opening entry advances
// lastApplied without touching the state machine or the commit channel.
func TestApplier_SkipsNoOpEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := inmemory.NewInMemoryStorage()
	mockSM := storage.NewMockStateMachine(ctrl)
	// Only the real command may reach the state machine.
	mockSM.EXPECT().Apply(gomock.Any()).
		DoAndReturn(func(entry param.LogEntry) any {
			assert.Equal(t, uint64(2), entry.Index)
			return nil
		}).Times(1)

	require.NoError(t, store.AppendEntries([]param.LogEntry{
		param.NewLogEntry(noOpCommand, 2, 1),
		param.NewLogEntry("cmd", 2, 2),
	}))

	commitChan := make(chan param.CommitEntry, 2)
	r := NewRaft(1, []int{2, 3}, store, mockSM, nil, commitChan)
	defer r.Stop()

	r.mu.Lock()
	r.currentTerm = 2
	r.commitIndex = 2
	r.mu.Unlock()
	r.signalApply()

	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastApplied == 2
	}, time.Second, 5*time.Millisecond, "both entries count as applied")

	select {
	case entry := <-commitChan:
		assert.Equal(t, uint64(2), entry.Index, "the no-op must not surface on the commit channel")
	case <-time.After(time.Second):
		t.Fatal("the real command never reached the commit channel")
	}
	select {
	case entry := <-commitChan:
		t.Fatalf("unexpected extra commit entry at index %d", entry.Index)
	default:
	}
}
