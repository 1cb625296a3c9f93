package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/dht-node/internal/core"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DHT node",
	Long: `Start the DHT node and join the network.

This will:
- Bind the configured transport
- Ping the bootstrap nodes and previously known contacts
- Look up the local id and refresh the routing table
- Republish local values and refresh buckets periodically`,
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting DHT node...", "cli")

		exePath, err := filepath.Abs(os.Args[0])
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to get absolute path: %v", err), "cli")
			fmt.Printf("Error getting absolute path: %v\n", err)
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Starting node from: %s", exePath), "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}

		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				logger.Error(fmt.Sprintf("Another instance is already running with PID: %d", existingPID), "cli")
				fmt.Printf("Another instance is already running with PID: %d\n", existingPID)
				fmt.Println("Use 'dht-node stop' to stop the existing instance first")
				os.Exit(1)
			}
			pidManager.RemovePIDFile()
		}

		currentPID := os.Getpid()
		if err := pidManager.WritePID(currentPID); err != nil {
			logger.Error(fmt.Sprintf("Failed to write PID file: %v", err), "cli")
			os.Exit(1)
		}
		defer pidManager.RemovePIDFile()
		logger.Info(fmt.Sprintf("Node started with PID: %d", currentPID), "cli")

		node, err := core.NewNode(config, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create node: %v", err), "cli")
			fmt.Printf("Failed to create node: %v\n", err)
			os.Exit(1)
		}
		if err := node.Start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start node: %v", err), "cli")
			fmt.Printf("Failed to start node: %v\n", err)
			os.Exit(1)
		}

		var monitoringServer *utils.MonitoringServer
		if config.GetConfigBool("monitoring_enabled", true) {
			monitoringServer = utils.NewMonitoringServer(config, logger)
			monitoringServer.SetStatsSource(node.Stats)
			if err := monitoringServer.Start(); err != nil {
				logger.Error(fmt.Sprintf("Failed to start monitoring server: %v", err), "cli")
				monitoringServer = nil
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := bootstrap(ctx, node); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(fmt.Sprintf("Bootstrap failed: %v", err), "cli")
				fmt.Printf("Bootstrap failed: %v\n", err)
			}
		}()

		fmt.Printf("DHT node %s is running on %s. Press Ctrl+C to stop.\n", node.LocalNode().ID, node.LocalNode().Addr)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown signal received, stopping node...", "cli")
		cancel()

		if monitoringServer != nil {
			if err := monitoringServer.Stop(); err != nil {
				logger.Error(fmt.Sprintf("Error stopping monitoring server: %v", err), "cli")
			}
		}
		if err := node.Stop(); err != nil {
			logger.Error(fmt.Sprintf("Error stopping node: %v", err), "cli")
		}

		logger.Info("DHT node stopped successfully", "cli")
	},
}

// bootstrap joins through dht_bootstrap_nodes. Without any configured node
// and without known contacts the node starts a new DHT.
func bootstrap(ctx context.Context, node *core.Node) error {
	addrs, err := core.BootstrapAddrs(config.GetConfigSlice("dht_bootstrap_nodes", nil))
	if err != nil {
		return err
	}
	err = node.Bootstrap(ctx, addrs...)
	if errors.Is(err, core.ErrNoBootstrapNodes) && len(addrs) == 0 {
		node.BootstrapAlone()
		return nil
	}
	return err
}

func init() {
	rootCmd.AddCommand(startCmd)
}
