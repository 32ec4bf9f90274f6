package inmemory

import (
	"fmt"
	"sync"

	"github.com/raftforge/raft/param"
)

// Transport wires nodes together with direct method calls inside one
// process. Tests use Connect and Disconnect to build and partition a
// cluster without touching the network.
type Transport struct {
	mu        sync.RWMutex
	localAddr string
	peers     map[string]param.RPCServer
	raft      param.RPCServer
}

// NewTransport creates an in-memory transport. addr is only a label, nothing
// listens on it.
func NewTransport(addr string) *Transport {
	return &Transport{
		localAddr: addr,
		peers:     make(map[string]param.RPCServer),
	}
}

// Addr returns the label this transport was created with.
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers is a no-op, in-memory clusters are wired with Connect.
func (t *Transport) SetPeers(peers map[int]string) {}

// RegisterRaft attaches the local node.
func (t *Transport) RegisterRaft(raftInstance param.RPCServer) {
	t.raft = raftInstance
}

// Start is a no-op.
func (t *Transport) Start() error {
	return nil
}

// Close is a no-op.
func (t *Transport) Close() error {
	return nil
}

// Connect makes target reachable through this transport.
func (t *Transport) Connect(target string, server param.RPCServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[target] = server
}

// Disconnect removes target, simulating a network partition.
func (t *Transport) Disconnect(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, target)
}

func (t *Transport) getPeer(target string) (param.RPCServer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peers[target]
	if !ok {
		return nil, fmt.Errorf("could not connect to peer: %s", target)
	}
	return peer, nil
}

func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.RequestVote(req, resp)
}

func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.AppendEntries(req, resp)
}

func (t *Transport) SendInstallSnapshot(target string, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.InstallSnapshot(req, resp)
}

func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.ClientRequest(req, resp)
}
