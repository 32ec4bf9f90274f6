package inmemory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raftforge/raft/param"
)

// mockRPCServer is a hand-rolled param.RPCServer for direct-call tests.
type mockRPCServer struct {
	lastArgs      any
	replyToReturn any
	errorToReturn error
}

func (m *mockRPCServer) RequestVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.RequestVoteReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) AppendEntries(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.AppendEntriesReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) InstallSnapshot(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.InstallSnapshotReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) ClientRequest(args *param.ClientArgs, reply *param.ClientReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.ClientReply))
	}
	return m.errorToReturn
}

func TestInMemoryTransport(t *testing.T) {
	t.Run("New, Connect, and Disconnect", func(t *testing.T) {
		trans := NewTransport("local")
		assert.NotNil(t, trans, "NewTransport should not return nil")
		assert.Equal(t, "local", trans.Addr())
		assert.Empty(t, trans.peers, "peers map should be initially empty")

		mockPeer := &mockRPCServer{}
		trans.Connect("1", mockPeer)
		assert.Len(t, trans.peers, 1)
		assert.Contains(t, trans.peers, "1")

		trans.Disconnect("1")
		assert.Empty(t, trans.peers, "peers map should be empty after disconnect")
	})

	t.Run("Send successful RPC calls", func(t *testing.T) {
		trans := NewTransport("local")
		mockPeer := &mockRPCServer{}
		trans.Connect("1", mockPeer)

		mockPeer.replyToReturn = &param.RequestVoteReply{Term: 1, VoteGranted: true}
		argsRV := &param.RequestVoteArgs{Term: 1, CandidateID: 10}
		replyRV := &param.RequestVoteReply{}
		err := trans.SendRequestVote("1", argsRV, replyRV)
		assert.NoError(t, err)
		assert.Equal(t, argsRV, mockPeer.lastArgs)
		assert.Equal(t, uint64(1), replyRV.Term)
		assert.True(t, replyRV.VoteGranted)

		mockPeer.replyToReturn = &param.AppendEntriesReply{Term: 2, Success: true}
		argsAE := &param.AppendEntriesArgs{Term: 2}
		replyAE := &param.AppendEntriesReply{}
		err = trans.SendAppendEntries("1", argsAE, replyAE)
		assert.NoError(t, err)
		assert.Equal(t, argsAE, mockPeer.lastArgs)
		assert.Equal(t, uint64(2), replyAE.Term)
		assert.True(t, replyAE.Success)

		mockPeer.replyToReturn = &param.InstallSnapshotReply{Term: 3}
		argsIS := &param.InstallSnapshotArgs{Term: 3}
		replyIS := &param.InstallSnapshotReply{}
		err = trans.SendInstallSnapshot("1", argsIS, replyIS)
		assert.NoError(t, err)
		assert.Equal(t, argsIS, mockPeer.lastArgs)
		assert.Equal(t, uint64(3), replyIS.Term)

		mockPeer.replyToReturn = &param.ClientReply{Success: true, Result: "OK"}
		argsCR := &param.ClientArgs{Command: "SET"}
		replyCR := &param.ClientReply{}
		err = trans.SendClientRequest("1", argsCR, replyCR)
		assert.NoError(t, err)
		assert.Equal(t, argsCR, mockPeer.lastArgs)
		assert.True(t, replyCR.Success)
		assert.Equal(t, "OK", replyCR.Result)
	})

	t.Run("Send RPC to non-existent peer", func(t *testing.T) {
		trans := NewTransport("local")
		err := trans.SendRequestVote("9", &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Error(t, err, "sending to a non-existent peer should return an error")
		assert.Contains(t, err.Error(), "could not connect to peer")
	})

	t.Run("Disconnected peer is unreachable", func(t *testing.T) {
		trans := NewTransport("local")
		mockPeer := &mockRPCServer{}
		trans.Connect("1", mockPeer)
		trans.Disconnect("1")

		err := trans.SendAppendEntries("1", &param.AppendEntriesArgs{}, &param.AppendEntriesReply{})
		assert.Error(t, err, "a disconnected peer should behave like a partition")
	})

	t.Run("Send RPC where peer returns an error", func(t *testing.T) {
		trans := NewTransport("local")
		expectedErr := errors.New("mock RPC failure")
		trans.Connect("1", &mockRPCServer{errorToReturn: expectedErr})

		err := trans.SendRequestVote("1", &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Error(t, err)
		assert.Equal(t, expectedErr, err, "the returned error should be the one from the peer")
	})
}
