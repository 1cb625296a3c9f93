package handler

import (
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// Config holds the tunables shared by all operations.
type Config struct {
	K                   int
	FindNodeAlpha       int
	FindValueAlpha      int
	Exhaustive          bool
	BoostEnabled        bool
	BoostFrequency      time.Duration
	RequestTimeout      time.Duration
	MinRequestTimeout   time.Duration
	PingParallelism     int
	PingMaxErrors       int
	StoreParallelism    int
	MaxValuesPerRequest int
}

func NewConfig(cm *utils.ConfigManager) Config {
	return Config{
		K:                   cm.GetConfigInt("dht_k", 20, 1, 256),
		FindNodeAlpha:       cm.GetConfigInt("dht_find_node_alpha", 5, 1, 64),
		FindValueAlpha:      cm.GetConfigInt("dht_find_value_alpha", 5, 1, 64),
		Exhaustive:          cm.GetConfigBool("dht_lookup_exhaustive", false),
		BoostEnabled:        cm.GetConfigBool("dht_lookup_boost_enabled", true),
		BoostFrequency:      cm.GetConfigDuration("dht_lookup_boost_frequency", time.Second),
		RequestTimeout:      cm.GetConfigDuration("dht_request_timeout", 5*time.Second),
		MinRequestTimeout:   cm.GetConfigDuration("dht_min_request_timeout", 500*time.Millisecond),
		PingParallelism:     cm.GetConfigInt("dht_ping_parallelism", 3, 1, 64),
		PingMaxErrors:       cm.GetConfigInt("dht_ping_max_errors", 1, 0, 16),
		StoreParallelism:    cm.GetConfigInt("dht_store_parallelism", 4, 1, 64),
		MaxValuesPerRequest: cm.GetConfigInt("dht_max_values_per_request", 32, 1, 256),
	}
}
