package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/dht-node/internal/core"
	"github.com/Trustflow-Network-Labs/dht-node/internal/handler"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch the values stored under a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKey(args[0])
		vt, err := parseValueType()
		if err != nil {
			fail("cli", "%v", err)
		}

		err = withClientNode(true, func(ctx context.Context, node *core.Node) error {
			values, err := node.Get(ctx, key, vt)
			if err != nil {
				return err
			}
			for _, v := range values {
				fmt.Printf("%s  %s  v%d  from %s\n", v.SecondaryKey.Short(), v.Type, v.Version, v.Creator)
				fmt.Printf("  %s\n", v.Payload)
			}
			return nil
		})
		if err != nil {
			fail("cli", "Get failed: %v", err)
		}
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value on the nodes closest to a key",
	Long: `Store a value on the nodes closest to key.

The value is published once by a short lived node and is not republished,
so it expires after dht_value_expiration unless stored again.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKey(args[0])
		vt, err := parseValueType()
		if err != nil {
			fail("cli", "%v", err)
		}

		err = withClientNode(true, func(ctx context.Context, node *core.Node) error {
			res, err := node.Put(ctx, key, vt, []byte(args[1]))
			if err != nil {
				return err
			}
			printStoreResult(res)
			return nil
		})
		if err != nil {
			fail("cli", "Put failed: %v", err)
		}
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove this node's value from a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKey(args[0])

		err := withClientNode(true, func(ctx context.Context, node *core.Node) error {
			res, err := node.Remove(ctx, key)
			if err != nil {
				return err
			}
			printStoreResult(res)
			return nil
		})
		if err != nil {
			fail("cli", "Remove failed: %v", err)
		}
	},
}

func printStoreResult(res handler.StoreResult) {
	fmt.Printf("Stored on %d of %d nodes in %s\n", res.Stored(), len(res.Contacts), res.Elapsed)
	for _, s := range res.Contacts {
		status := "ok"
		if !s.OK() {
			status = "failed"
		}
		fmt.Printf("  %-40s %s\n", s.Contact, status)
	}
}

func init() {
	for _, c := range []*cobra.Command{getCmd, putCmd} {
		c.Flags().StringVar(&valueType, "type", "TEXT", "value type, four characters (ANY matches all on get)")
	}
	for _, c := range []*cobra.Command{getCmd, putCmd, removeCmd} {
		addClientFlags(c)
		rootCmd.AddCommand(c)
	}
}
