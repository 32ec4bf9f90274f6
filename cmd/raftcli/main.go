package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raftforge/raft/client"
	"github.com/raftforge/raft/transport"
)

var (
	peersStr      string
	transportType string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "raftcli",
		Short: "A command line client for the replicated key-value store",
	}

	rootCmd.PersistentFlags().StringVar(&peersStr, "peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.PersistentFlags().StringVar(&transportType, "transport", transport.GrpcTransport, "Transport type: tcp, grpc")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Read the value of a key",
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				withClient(func(c *client.Client) error {
					value, err := c.Get(args[0])
					if err != nil {
						return err
					}
					fmt.Println(value)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a key-value pair",
			Args:  cobra.ExactArgs(2),
			Run: func(_ *cobra.Command, args []string) {
				withClient(func(c *client.Client) error {
					return c.Set(args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a key",
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				withClient(func(c *client.Client) error {
					return c.Delete(args[0])
				})
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// withClient builds a connected client, runs one operation, and exits with a
// non-zero status on failure.
func withClient(op func(*client.Client) error) {
	peerMap, err := parsePeers(peersStr)
	if err != nil {
		log.Fatalf("Failed to parse peers: %v", err)
	}

	// Port 0 lets the system pick an ephemeral source port.
	trans, err := transport.NewClientTransport("127.0.0.1:0", transportType)
	if err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}
	trans.SetPeers(peerMap)
	defer trans.Close()

	c := client.NewClient(peerMap, trans)
	if err := op(c); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parsePeers(peersStr string) (map[int]string, error) {
	peerMap := make(map[int]string)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s", p)
		}
		var id int
		if _, err := fmt.Sscanf(parts[0], "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid peer ID: %s", parts[0])
		}
		peerMap[id] = parts[1]
	}
	return peerMap, nil
}
