package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigsSkipsComments(t *testing.T) {
	input := "# a = comment\nfoo = bar\n  baz=  qux  \nnovalue\n# trailing"
	cfg, err := parseConfigs(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseConfigs failed: %v", err)
	}

	if len(cfg) != 2 {
		t.Fatalf("Expected 2 keys, got %d: %v", len(cfg), cfg)
	}
	if cfg["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %q", cfg["foo"])
	}
	if cfg["baz"] != "qux" {
		t.Errorf("Expected baz=qux, got %q", cfg["baz"])
	}
}

func TestEmbeddedDefaultsParse(t *testing.T) {
	cm := NewConfigManagerFromMap(nil)

	if got := cm.GetConfigInt("dht_k", 0, 1, 100); got != 20 {
		t.Errorf("Expected dht_k=20, got %d", got)
	}
	if got := cm.GetConfigDuration("dht_request_timeout", 0); got != 5*time.Second {
		t.Errorf("Expected 5s request timeout, got %v", got)
	}
	if got := cm.GetConfigBytes("dht_max_message_size", 0); got != 64*1024 {
		t.Errorf("Expected 64kb message size, got %d", got)
	}
	if got := cm.GetConfigSlice("dht_bootstrap_nodes", nil); len(got) != 0 {
		t.Errorf("Expected no bootstrap nodes, got %v", got)
	}
}

func TestFromMapOverridesDefaults(t *testing.T) {
	cm := NewConfigManagerFromMap(map[string]string{
		"dht_k":               "8",
		"dht_bootstrap_nodes": "10.0.0.1:1, 10.0.0.2:2,,",
	})

	if got := cm.GetConfigInt("dht_k", 20, 1, 100); got != 8 {
		t.Errorf("Expected override dht_k=8, got %d", got)
	}
	nodes := cm.GetConfigSlice("dht_bootstrap_nodes", nil)
	if len(nodes) != 2 || nodes[1] != "10.0.0.2:2" {
		t.Errorf("Unexpected bootstrap nodes %v", nodes)
	}
}

func TestGetConfigIntOutOfRange(t *testing.T) {
	cm := NewConfigManagerFromMap(map[string]string{"n": "500", "bad": "x"})

	if got := cm.GetConfigInt("n", 7, 0, 100); got != 7 {
		t.Errorf("Expected default for out of range value, got %d", got)
	}
	if got := cm.GetConfigInt("bad", 3, 0, 100); got != 3 {
		t.Errorf("Expected default for invalid value, got %d", got)
	}
}

func TestGetConfigBool(t *testing.T) {
	cm := NewConfigManagerFromMap(map[string]string{"a": "on", "b": "Disabled", "c": "maybe"})

	if !cm.GetConfigBool("a", false) {
		t.Error("Expected on to parse as true")
	}
	if cm.GetConfigBool("b", true) {
		t.Error("Expected Disabled to parse as false")
	}
	if !cm.GetConfigBool("c", true) {
		t.Error("Expected invalid value to fall back to default")
	}
}

func TestLoadConfigManagerEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs")
	if err := os.WriteFile(path, []byte("dht_port = 1000\ndht_k = 20\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DHT_NODE_DHT_PORT=2000\nOTHER=1\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Setenv("DHT_NODE_DHT_K", "12")

	cm, err := LoadConfigManager(path)
	if err != nil {
		t.Fatalf("LoadConfigManager failed: %v", err)
	}

	if got := cm.GetConfigWithDefault("dht_port", ""); got != "2000" {
		t.Errorf("Expected .env override for dht_port, got %q", got)
	}
	if got := cm.GetConfigWithDefault("dht_k", ""); got != "12" {
		t.Errorf("Expected environment override for dht_k, got %q", got)
	}
	if _, ok := cm.GetConfig("other"); ok {
		t.Error("Unprefixed variables must not become config keys")
	}
}

func TestSetConfig(t *testing.T) {
	cm := NewConfigManagerFromMap(nil)
	cm.SetConfig("dht_request_timeout", 2*time.Second)
	cm.SetConfig("dht_firewalled", true)

	if got := cm.GetConfigDuration("dht_request_timeout", 0); got != 2*time.Second {
		t.Errorf("Expected 2s, got %v", got)
	}
	if !cm.GetConfigBool("dht_firewalled", false) {
		t.Error("Expected dht_firewalled=true")
	}
}

func TestLogsManagerForWriter(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogsManagerForWriter(&buf, "info")

	lm.Debug("hidden", "test")
	lm.Info("hello lookup", "lookup")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug entry written at info level: %s", out)
	}
	if !strings.Contains(out, `"category":"lookup"`) || !strings.Contains(out, "hello lookup") {
		t.Errorf("Expected JSON entry with category, got: %s", out)
	}
	if !strings.Contains(out, "configs_test.go") {
		t.Errorf("Expected caller file in entry, got: %s", out)
	}

	if err := lm.SetLogLevel("debug"); err != nil {
		t.Fatalf("SetLogLevel failed: %v", err)
	}
	if lm.GetLogLevel() != "debug" {
		t.Errorf("Expected debug level, got %s", lm.GetLogLevel())
	}

	lm.Close()
	buf.Reset()
	lm.Info("after close", "test")
	if buf.Len() != 0 {
		t.Error("Expected no output after Close")
	}
}

func TestKeyedDigest(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)

	a, err := KeyedDigest(key, 4, []byte("ab"), []byte("c"))
	if err != nil {
		t.Fatalf("KeyedDigest failed: %v", err)
	}
	b, _ := KeyedDigest(key, 4, []byte("a"), []byte("bc"))
	if bytes.Equal(a, b) {
		t.Error("Part boundaries must change the digest")
	}
	if _, err := KeyedDigest([]byte("short"), 4); err == nil {
		t.Error("Expected error for short key")
	}
	if len(Digest([]byte("x"), 20)) != 20 {
		t.Error("Expected 20 byte digest")
	}
}
