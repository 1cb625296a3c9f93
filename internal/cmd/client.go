package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/dht-node/internal/core"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

var (
	clientBootstrap []string
	clientTimeout   time.Duration
	valueType       string
)

// addClientFlags adds the flags shared by commands that run a short lived
// node next to (or instead of) the daemon.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&clientBootstrap, "bootstrap", "b", nil, "bootstrap nodes (default dht_bootstrap_nodes)")
	cmd.Flags().DurationVarP(&clientTimeout, "timeout", "t", 30*time.Second, "overall timeout")
}

// withClientNode runs fn on a memory backed node bound to a random port.
// The node joins the DHT first unless join is false.
func withClientNode(join bool, fn func(ctx context.Context, node *core.Node) error) error {
	config.SetConfig("dht_port", 0)
	config.SetConfig("dht_database", "memory")
	config.SetConfig("dht_persist_contacts", false)
	// a client publishes once, it never stays around to republish
	config.SetConfig("dht_store_forward_enabled", false)

	node, err := core.NewNode(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	if join {
		seeds := clientBootstrap
		if len(seeds) == 0 {
			seeds = config.GetConfigSlice("dht_bootstrap_nodes", nil)
		}
		addrs, err := core.BootstrapAddrs(seeds)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			return fmt.Errorf("no bootstrap nodes, use --bootstrap or set dht_bootstrap_nodes")
		}
		if err := node.Bootstrap(ctx, addrs...); err != nil {
			return err
		}
	}
	return fn(ctx, node)
}

// parseKey accepts a KUID in hex or base58. Anything else is hashed into
// one.
func parseKey(s string) kuid.KUID {
	if k, err := kuid.Parse(s); err == nil {
		return k
	}
	return kuid.ForKey(s)
}

func parseValueType() (database.ValueType, error) {
	return database.ParseValueType(valueType)
}
