package transport

//go:generate mockgen -source=transport.go -destination=transport_mock.go -package=transport

import (
	"fmt"

	"github.com/raftforge/raft/param"
	grpctransport "github.com/raftforge/raft/transport/grpc"
	"github.com/raftforge/raft/transport/inmemory"
	"github.com/raftforge/raft/transport/tcp"
)

const (
	TCPTransport      = "tcp"
	GrpcTransport     = "grpc"
	InmemoryTransport = "inmemory"
)

// Transport moves RPCs between consensus nodes and from clients to nodes.
// Targets are node IDs in string form; SetPeers supplies the ID to address
// mapping. The transport is free to drop, delay or redeliver messages, the
// consensus core only relies on term and index checks for safety.
type Transport interface {
	// Addr returns the local listen address.
	Addr() string

	// SetPeers replaces the node ID to address mapping used to resolve
	// targets. Cached connections to old addresses are discarded.
	SetPeers(peers map[int]string)

	// RegisterRaft attaches the local node whose handlers serve inbound RPCs.
	RegisterRaft(raftInstance param.RPCServer)

	// Start begins serving inbound RPCs.
	Start() error

	// Close stops serving and tears down cached connections.
	Close() error

	// SendRequestVote sends a RequestVote RPC to the target node.
	SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error

	// SendAppendEntries sends an AppendEntries RPC to the target node.
	SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error

	// SendInstallSnapshot sends an InstallSnapshot RPC to the target node.
	SendInstallSnapshot(target string, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error

	// SendClientRequest forwards a client request to the target node.
	SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error
}

// NewTransport builds a server-side transport listening on listenAddr.
func NewTransport(transportType, listenAddr string) (Transport, error) {
	switch transportType {
	case TCPTransport:
		return tcp.NewTransport(listenAddr)
	case GrpcTransport:
		return grpctransport.NewTransport(listenAddr)
	case InmemoryTransport:
		return inmemory.NewTransport(listenAddr), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", transportType)
	}
}

// NewClientTransport builds a transport for a client process. It is the same
// construction as the server side, clients just never register a node on it.
func NewClientTransport(listenAddr, transportType string) (Transport, error) {
	return NewTransport(transportType, listenAddr)
}
