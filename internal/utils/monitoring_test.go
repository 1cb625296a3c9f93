package utils

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestMonitoring(t *testing.T) *httptest.Server {
	t.Helper()

	ms := NewMonitoringServer(NewConfigManagerFromMap(nil), NewLogsManagerForWriter(io.Discard, "error"))
	ms.SetStatsSource(func() map[string]interface{} {
		return map[string]interface{}{
			"node_id":       "abcd",
			"routing.size":  3,
			"dispatch.sent": int64(7),
		}
	})
	srv := httptest.NewServer(ms.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) []byte {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestStatsServesNodeStats(t *testing.T) {
	srv := newTestMonitoring(t)

	var doc StatsDocument
	if err := json.Unmarshal(get(t, srv.URL+"/stats"), &doc); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if doc.Node["node_id"] != "abcd" {
		t.Errorf("Expected node_id abcd, got %v", doc.Node["node_id"])
	}
	if doc.Node["routing.size"] != float64(3) {
		t.Errorf("Expected routing.size 3, got %v", doc.Node["routing.size"])
	}
	if doc.Resources.Goroutines == 0 {
		t.Errorf("Expected resource stats to be filled")
	}
}

func TestMetricsExportsNumericStats(t *testing.T) {
	srv := newTestMonitoring(t)
	body := string(get(t, srv.URL+"/metrics"))

	for _, want := range []string{"dht_node_routing_size 3", "dht_node_dispatch_sent 7", "dht_node_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics:\n%s", want, body)
		}
	}
	if strings.Contains(body, "node_id") {
		t.Errorf("Non numeric stats must not be exported")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestMonitoring(t)

	var health HealthStatus
	if err := json.Unmarshal(get(t, srv.URL+"/health"), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" {
		t.Errorf("Expected status ok, got %q", health.Status)
	}
}

func TestLogsManagerWritesToLogDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	lm := NewLogsManager(NewConfigManagerFromMap(map[string]string{"log_level": "debug"}))
	lm.Debug("hello from the test", "test")
	if err := lm.Close(); err != nil {
		t.Fatal(err)
	}
	// logging after close is dropped
	lm.Info("dropped", "test")

	data, err := os.ReadFile(filepath.Join(GetAppPaths("").LogDir, AppName+".log"))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"category":"test"`) || !strings.Contains(string(data), "hello from the test") {
		t.Errorf("Unexpected log contents: %s", data)
	}
	if strings.Contains(string(data), "dropped") {
		t.Errorf("Expected no output after Close")
	}
}

func TestRollingFileKeepsNumberedBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	rf, err := openRollingFile(path, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"first-8\n", "second8\n", "third-8\n", "fourth8\n"} {
		if _, err := rf.Write([]byte(line)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := rf.Close(); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		path:        "fourth8\n",
		path + ".1": "third-8\n",
		path + ".2": "second8\n",
	}
	for p, content := range want {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("Failed to read %s: %v", p, err)
		}
		if string(data) != content {
			t.Errorf("Expected %q in %s, got %q", content, p, data)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("Expected only 2 backups, stat .3: %v", err)
	}
	if _, err := rf.Write([]byte("late")); err == nil {
		t.Error("Expected write after close to fail")
	}
}
