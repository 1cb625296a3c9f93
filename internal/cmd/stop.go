package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"stop-node", "kill"},
	Short:   "Stop the running DHT node",
	Long:    "Stop the running DHT node by sending a graceful termination signal",
	Args:    cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			fail("stop", "Failed to create PID manager: %v", err)
		}

		pid, err := pidManager.ReadPID()
		if err != nil {
			fail("stop", "Failed to read PID: %v", err)
		}
		fmt.Printf("Found running node with PID: %d\n", pid)

		if !pidManager.IsProcessRunning(pid) {
			msg := fmt.Sprintf("Process with PID %d is not running", pid)
			fmt.Println(msg)
			logger.Warn(msg, "stop")

			if err := pidManager.RemovePIDFile(); err != nil {
				fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
			} else {
				fmt.Println("Removed stale PID file")
			}
			return
		}

		fmt.Printf("Stopping DHT node (PID: %d)...\n", pid)
		if err := pidManager.StopProcess(pid); err != nil {
			fail("stop", "Failed to stop process: %v", err)
		}
		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
		}

		msg := "DHT node stopped successfully"
		fmt.Println(msg)
		logger.Info(msg, "stop")
	},
}

// fail prints and logs the message, then exits.
func fail(category string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(msg)
	logger.Error(msg, category)
	logger.Close()
	os.Exit(1)
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
