package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raftforge/raft/param"
	"github.com/raftforge/raft/raft"
	"github.com/raftforge/raft/storage"
	"github.com/raftforge/raft/transport"
)

// Config holds the node configuration.
type Config struct {
	NodeID            int
	PeersStr          string
	DataDir           string
	TransportType     string
	StorageType       string
	SnapshotThreshold int
	LocalReads        bool
}

var config Config

func main() {
	var rootCmd = &cobra.Command{
		Use:   "raftd",
		Short: "A replicated key-value store node",
		Run:   runServer,
	}

	rootCmd.Flags().IntVar(&config.NodeID, "id", 1, "Node ID")
	rootCmd.Flags().StringVar(&config.PeersStr, "peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.Flags().StringVar(&config.DataDir, "data", "raft-data", "Directory to store raft data")
	rootCmd.Flags().StringVar(&config.TransportType, "transport", transport.GrpcTransport, "Transport type: tcp, grpc, inmemory")
	rootCmd.Flags().StringVar(&config.StorageType, "storage", storage.InmemoryStorage, "Storage type: inmemory or file")
	rootCmd.Flags().IntVar(&config.SnapshotThreshold, "snapshot-threshold", 1000, "Log entries to accumulate before snapshotting (0 disables)")
	rootCmd.Flags().BoolVar(&config.LocalReads, "local-reads", false, "Serve reads from the local state machine without quorum confirmation")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) {
	srv, err := NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	waitForSignal(srv)
}

// Server wires one Raft node together with its storage and transport.
type Server struct {
	config     Config
	raft       *raft.Raft
	transport  transport.Transport
	store      storage.Storage
	commitChan chan param.CommitEntry
}

// NewServer creates a new Server instance.
func NewServer(cfg Config) (*Server, error) {
	peerMap, peerIDs, myAddr, err := parsePeers(cfg.PeersStr, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peers: %w", err)
	}

	store, stateMachine, err := storage.NewStorage(cfg.StorageType, cfg.DataDir, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	trans, err := transport.NewTransport(cfg.TransportType, myAddr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}
	trans.SetPeers(peerMap)

	commitChan := make(chan param.CommitEntry, 100)
	rf := raft.NewRaft(cfg.NodeID, peerIDs, store, stateMachine, trans, commitChan)
	if cfg.LocalReads {
		rf.WithLocalReads()
	}

	return &Server{
		config:     cfg,
		raft:       rf,
		transport:  trans,
		store:      store,
		commitChan: commitChan,
	}, nil
}

// Start launches the transport, the Raft loop, and the commit consumer.
func (s *Server) Start() error {
	s.transport.RegisterRaft(s.raft)

	go func() {
		log.Printf("Starting %s transport service on %s", s.config.TransportType, s.transport.Addr())
		if err := s.transport.Start(); err != nil {
			log.Fatalf("Failed to start transport service: %v", err)
		}
	}()

	go s.raft.Run()

	go s.handleCommits()

	log.Printf("Raft node %d started", s.config.NodeID)
	return nil
}

// Stop stops the Raft server.
func (s *Server) Stop() {
	log.Println("Shutting down...")
	s.raft.Stop()
	if err := s.transport.Close(); err != nil {
		log.Printf("Failed to close transport: %v", err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
	}
	log.Println("Node stopped")
}

// handleCommits drains the commit channel and triggers log compaction once
// enough entries have accumulated.
func (s *Server) handleCommits() {
	for entry := range s.commitChan {
		log.Printf("Node %d committed entry: index=%d term=%d command=%v", s.config.NodeID, entry.Index, entry.Term, entry.Command)

		if s.config.SnapshotThreshold > 0 {
			s.raft.TakeSnapshot(s.config.SnapshotThreshold)
		}
	}
}

func waitForSignal(srv *Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	srv.Stop()
}

func parsePeers(peersStr string, nodeID int) (map[int]string, []int, string, error) {
	peerMap := make(map[int]string)
	peerIDs := make([]int, 0)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			return nil, nil, "", fmt.Errorf("invalid peer format: %s", p)
		}
		var pid int
		if _, err := fmt.Sscanf(parts[0], "%d", &pid); err != nil {
			return nil, nil, "", fmt.Errorf("invalid peer ID: %s", parts[0])
		}
		peerMap[pid] = parts[1]
		if pid != nodeID {
			peerIDs = append(peerIDs, pid)
		}
	}

	myAddr, ok := peerMap[nodeID]
	if !ok {
		return nil, nil, "", fmt.Errorf("my ID %d not found in peers list", nodeID)
	}
	return peerMap, peerIDs, myAddr, nil
}
