package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

var statsHost string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the statistics of the running node",
	Long:  "Fetch /stats from the running node's monitoring server and print it as YAML",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		port := config.GetConfigWithDefault("pprof_port", "6060")
		url := fmt.Sprintf("http://%s:%s/stats", statsHost, port)

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			fail("cli", "Failed to reach the node at %s: %v", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fail("cli", "Node answered %s", resp.Status)
		}

		var doc utils.StatsDocument
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			fail("cli", "Failed to decode stats: %v", err)
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			fail("cli", "Failed to render stats: %v", err)
		}
		enc.Close()
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsHost, "host", "127.0.0.1", "host of the monitoring server")
	rootCmd.AddCommand(statsCmd)
}
