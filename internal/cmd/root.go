package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

var (
	configPath string
	firewalled bool
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "dht-node",
	Short: "Kademlia DHT node",
	Long: `A Kademlia distributed hash table node.

Nodes find each other by XOR distance over UDP (or QUIC) and store
versioned values on the K nodes closest to each key.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = utils.NewConfigManager(configPath)

		if firewalled {
			config.SetConfig("dht_firewalled", true)
		}

		logger = utils.NewLogsManager(config)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&firewalled, "firewalled", "f", false, "announce the node as firewalled (it is never added to routing tables)")
}
