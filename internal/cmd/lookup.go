package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/dht-node/internal/core"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <key>",
	Short: "List the nodes closest to a key",
	Long: `Run an iterative FIND_NODE for key and list the closest nodes.

The key is a node id in hex or base58. Any other string is hashed into one.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKey(args[0])

		err := withClientNode(true, func(ctx context.Context, node *core.Node) error {
			res, err := node.FindNode(ctx, key)
			if err != nil {
				return err
			}
			fmt.Printf("Closest nodes to %s (%d queried, %d hops, %d timeouts, %s):\n",
				key, res.Queried, res.Hops, res.Timeouts, res.Elapsed)
			for i, e := range res.Nearest {
				if e.Contact.ID == node.LocalNode().ID {
					continue
				}
				fmt.Printf("%3d  %s  %s  distance %d bits\n",
					i+1, e.Contact.ID, e.Contact.Addr, 160-e.Contact.ID.CommonPrefixLen(key))
			}
			return nil
		})
		if err != nil {
			fail("cli", "Lookup failed: %v", err)
		}
	},
}

func init() {
	addClientFlags(lookupCmd)
	rootCmd.AddCommand(lookupCmd)
}
