package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatsSource reports the node's own statistics. Numeric values are also
// exported on /metrics.
type StatsSource func() map[string]interface{}

type MonitoringServer struct {
	ctx       context.Context
	cancel    context.CancelFunc
	server    *http.Server
	listener  net.Listener
	port      string
	startTime time.Time
	logger    *LogsManager
	config    *ConfigManager

	source atomic.Value // StatsSource

	requestCount    int64
	errorCount      int64
	memStats        sync.RWMutex
	lastMemStats    runtime.MemStats
	lastStatsUpdate time.Time
}

type ResourceStats struct {
	Timestamp       string  `json:"timestamp"`
	Goroutines      int     `json:"goroutines"`
	HeapAllocBytes  uint64  `json:"heap_alloc_bytes"`
	HeapInuseBytes  uint64  `json:"heap_inuse_bytes"`
	HeapSysBytes    uint64  `json:"heap_sys_bytes"`
	HeapObjects     uint64  `json:"heap_objects"`
	StackInuseBytes uint64  `json:"stack_inuse_bytes"`
	NextGC          uint64  `json:"next_gc_bytes"`
	LastGC          string  `json:"last_gc"`
	NumGC           uint32  `json:"num_gc"`
	GCCPUFraction   float64 `json:"gc_cpu_fraction"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	RequestCount    int64   `json:"request_count"`
	ErrorCount      int64   `json:"error_count"`
}

type HealthStatus struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Port      string `json:"port"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}

// StatsDocument is the body served on /stats.
type StatsDocument struct {
	Node      map[string]interface{} `json:"node" yaml:"node"`
	Resources ResourceStats          `json:"resources" yaml:"resources"`
}

func NewMonitoringServer(config *ConfigManager, logger *LogsManager) *MonitoringServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &MonitoringServer{
		ctx:             ctx,
		cancel:          cancel,
		startTime:       time.Now(),
		logger:          logger,
		config:          config,
		lastStatsUpdate: time.Now(),
	}
}

// SetStatsSource installs the provider behind /stats and /metrics.
func (ms *MonitoringServer) SetStatsSource(src StatsSource) {
	ms.source.Store(src)
}

func (ms *MonitoringServer) nodeStats() map[string]interface{} {
	src, _ := ms.source.Load().(StatsSource)
	if src == nil {
		return map[string]interface{}{}
	}
	return src()
}

func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&ms.requestCount, 1)
		http.DefaultServeMux.ServeHTTP(w, r)
	})
	mux.HandleFunc("/stats", ms.handleStats)
	mux.HandleFunc("/health", ms.handleHealth)
	mux.HandleFunc("/metrics", ms.handleMetrics)

	return mux
}

func (ms *MonitoringServer) Start() error {
	pprofPort := ms.config.GetConfigWithDefault("pprof_port", "6060")
	fallbackPorts := ms.config.GetConfigSlice("pprof_fallback_ports", []string{"6061", "6062"})
	ports := append([]string{pprofPort}, fallbackPorts...)

	ms.logger.Info(fmt.Sprintf("Starting monitoring server on port %s", pprofPort), "monitoring")

	var err error
	for i, port := range ports {
		ms.listener, err = net.Listen("tcp", ":"+port)
		if err != nil {
			if i < len(ports)-1 {
				ms.logger.Warn(fmt.Sprintf("monitoring port %s unavailable, trying next port: %v", port, err), "monitoring")
				continue
			}
			ms.logger.Error(fmt.Sprintf("All monitoring ports failed, last error: %v", err), "monitoring")
			return fmt.Errorf("failed to bind to any monitoring port: %w", err)
		}

		ms.port = port
		break
	}

	ms.server = &http.Server{
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := ms.server.Serve(ms.listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error(fmt.Sprintf("Monitoring server error: %v", err), "monitoring")
			atomic.AddInt64(&ms.errorCount, 1)
		}
	}()

	go ms.collectMetrics()

	ms.logger.Info(fmt.Sprintf("Monitoring server started on port %s (/stats, /health, /metrics, /debug/pprof/)", ms.port), "monitoring")
	return nil
}

func (ms *MonitoringServer) Stop() error {
	ms.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ms.server != nil {
		if err := ms.server.Shutdown(ctx); err != nil {
			ms.logger.Warn(fmt.Sprintf("Error shutting down monitoring server: %v", err), "monitoring")
			return err
		}
	}

	ms.logger.Info("Monitoring server stopped", "monitoring")
	return nil
}

func (ms *MonitoringServer) GetPort() string {
	return ms.port
}

func (ms *MonitoringServer) collectMetrics() {
	ms.updateMemStats()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ms.ctx.Done():
			return
		case <-ticker.C:
			ms.updateMemStats()
		}
	}
}

func (ms *MonitoringServer) updateMemStats() {
	ms.memStats.Lock()
	defer ms.memStats.Unlock()

	runtime.ReadMemStats(&ms.lastMemStats)
	ms.lastStatsUpdate = time.Now()
}

func (ms *MonitoringServer) resourceStats() ResourceStats {
	ms.memStats.RLock()
	memStats := ms.lastMemStats
	ms.memStats.RUnlock()

	return ResourceStats{
		Timestamp:       time.Now().Format(time.RFC3339),
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocBytes:  memStats.HeapAlloc,
		HeapInuseBytes:  memStats.HeapInuse,
		HeapSysBytes:    memStats.HeapSys,
		HeapObjects:     memStats.HeapObjects,
		StackInuseBytes: memStats.StackInuse,
		NextGC:          memStats.NextGC,
		LastGC:          time.Unix(0, int64(memStats.LastGC)).Format(time.RFC3339),
		NumGC:           memStats.NumGC,
		GCCPUFraction:   memStats.GCCPUFraction,
		UptimeSeconds:   int64(time.Since(ms.startTime).Seconds()),
		RequestCount:    atomic.LoadInt64(&ms.requestCount),
		ErrorCount:      atomic.LoadInt64(&ms.errorCount),
	}
}

func (ms *MonitoringServer) handleStats(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ms.requestCount, 1)
	w.Header().Set("Content-Type", "application/json")

	doc := StatsDocument{
		Node:      ms.nodeStats(),
		Resources: ms.resourceStats(),
	}

	if err := json.NewEncoder(w).Encode(doc); err != nil {
		atomic.AddInt64(&ms.errorCount, 1)
		ms.logger.Error(fmt.Sprintf("Failed to encode stats: %v", err), "monitoring")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (ms *MonitoringServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ms.requestCount, 1)
	w.Header().Set("Content-Type", "application/json")

	health := HealthStatus{
		Status:    "ok",
		Uptime:    time.Since(ms.startTime).String(),
		Port:      ms.port,
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   AppName + "-v1",
	}

	if err := json.NewEncoder(w).Encode(health); err != nil {
		atomic.AddInt64(&ms.errorCount, 1)
		ms.logger.Error(fmt.Sprintf("Failed to encode health status: %v", err), "monitoring")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleMetrics renders numeric node stats in Prometheus text format.
func (ms *MonitoringServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ms.requestCount, 1)
	w.Header().Set("Content-Type", "text/plain")

	res := ms.resourceStats()
	values := map[string]float64{
		"goroutines":     float64(res.Goroutines),
		"heap_bytes":     float64(res.HeapAllocBytes),
		"uptime_seconds": float64(res.UptimeSeconds),
	}
	for k, v := range ms.nodeStats() {
		switch n := v.(type) {
		case int:
			values[k] = float64(n)
		case int64:
			values[k] = float64(n)
		case float64:
			values[k] = n
		}
	}

	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		metric := "dht_node_" + strings.ReplaceAll(k, ".", "_")
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %g\n", metric, metric, values[k])
	}
	w.Write([]byte(b.String()))
}
