package cmd

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/dht-node/internal/core"
)

var pingCmd = &cobra.Command{
	Use:   "ping <addr:port>",
	Short: "Ping a DHT node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		addr, err := netip.ParseAddrPort(args[0])
		if err != nil {
			fail("cli", "Invalid address %q: %v", args[0], err)
		}

		err = withClientNode(false, func(ctx context.Context, node *core.Node) error {
			res, err := node.Ping(ctx, addr)
			if err != nil {
				return err
			}
			fmt.Printf("Pong from %s in %s\n", res.Contact, res.RTT)
			fmt.Printf("  seen as:        %s\n", res.ExternalAddr)
			fmt.Printf("  estimated size: %d\n", res.EstimatedSize)
			return nil
		})
		if err != nil {
			fail("cli", "Ping failed: %v", err)
		}
	},
}

func init() {
	addClientFlags(pingCmd)
	rootCmd.AddCommand(pingCmd)
}
