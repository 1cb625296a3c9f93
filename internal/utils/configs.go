package utils

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

//go:embed configs
var defaultConfig embed.FS

// EnvPrefix marks environment variables that override config keys,
// e.g. DHT_NODE_DHT_PORT=4000 overrides dht_port.
const EnvPrefix = "DHT_NODE_"

type Config map[string]string

type ConfigManager struct {
	configsPath string
	configs     Config
	configMutex sync.RWMutex
}

// NewConfigManager loads the config file at path (or the default location
// when path is empty), creating it from the embedded defaults when missing.
// It panics on error, callers that want an error use LoadConfigManager.
func NewConfigManager(path string) *ConfigManager {
	cm, err := LoadConfigManager(path)
	if err != nil {
		panic(err)
	}
	return cm
}

func LoadConfigManager(path string) (*ConfigManager, error) {
	if path == "" {
		if err := ensureConfig(); err != nil {
			return nil, err
		}
		paths := GetAppPaths("")
		path = filepath.Join(paths.ConfigDir, "configs")
	}

	configs, err := readConfigs(path)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(configs, filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	return &ConfigManager{
		configsPath: path,
		configs:     configs,
	}, nil
}

// NewConfigManagerFromMap builds a manager from the embedded defaults with
// values layered on top. Nothing is read from or written to disk.
func NewConfigManagerFromMap(values map[string]string) *ConfigManager {
	data, err := defaultConfig.ReadFile("configs/configs")
	if err != nil {
		panic(err)
	}

	configs, err := parseConfigs(bytes.NewReader(data))
	if err != nil {
		panic(err)
	}
	maps.Copy(configs, values)

	return &ConfigManager{configs: configs}
}

func ensureConfig() error {
	paths := GetAppPaths("")
	configPath := filepath.Join(paths.ConfigDir, "configs")

	// If config doesn't exist, create it from embedded default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		data, err := defaultConfig.ReadFile("configs/configs")
		if err != nil {
			return err
		}

		return os.WriteFile(configPath, data, 0644)
	}

	return nil
}

func readConfigs(configsPath string) (Config, error) {
	// return error if config filepath is not provided
	if len(configsPath) == 0 {
		return nil, fmt.Errorf("invalid configs path `%s`", configsPath)
	}

	file, err := os.Open(configsPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config, err := parseConfigs(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configs `%s`: %w", configsPath, err)
	}
	config["file"] = configsPath

	return config, nil
}

func parseConfigs(r io.Reader) (Config, error) {
	config := Config{}
	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadString('\n')

		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			// check line for '=' delimiter
			if equal := strings.Index(trimmed, "="); equal >= 0 {
				if key := strings.TrimSpace(trimmed[:equal]); len(key) > 0 {
					config[key] = strings.TrimSpace(trimmed[equal+1:])
				}
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return config, nil
}

// applyEnvOverrides layers a .env file (if present) and then the process
// environment over config. Only keys carrying EnvPrefix are considered.
func applyEnvOverrides(config Config, envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		values, err := godotenv.Read(envFile)
		if err != nil {
			return fmt.Errorf("failed to read env file `%s`: %w", envFile, err)
		}
		for k, v := range values {
			if key, ok := envKey(k); ok {
				config[key] = v
			}
		}
	}

	for _, kv := range os.Environ() {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		if key, ok := envKey(k); ok {
			config[key] = v
		}
	}

	return nil
}

func envKey(name string) (string, bool) {
	if !strings.HasPrefix(name, EnvPrefix) || len(name) == len(EnvPrefix) {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), true
}

func (cm *ConfigManager) GetConfig(key string) (string, bool) {
	cm.configMutex.RLock()
	defer cm.configMutex.RUnlock()

	value, exists := cm.configs[key]
	return value, exists
}

func (cm *ConfigManager) GetConfigWithDefault(key string, defaultValue string) string {
	if value, exists := cm.GetConfig(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func (cm *ConfigManager) GetAllConfigs() Config {
	cm.configMutex.RLock()
	defer cm.configMutex.RUnlock()

	configsCopy := make(Config)
	maps.Copy(configsCopy, cm.configs)
	return configsCopy
}

// Config reload method
func (cm *ConfigManager) ReloadConfig(path string) error {
	if path == "" {
		path = cm.configsPath
	}

	newConfigs, err := readConfigs(path)
	if err != nil {
		return err
	}
	if err := applyEnvOverrides(newConfigs, filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return err
	}

	cm.configMutex.Lock()
	defer cm.configMutex.Unlock()
	cm.configs = newConfigs
	cm.configsPath = path

	return nil
}

// GetConfigDuration parses a duration string from config with default fallback
func (cm *ConfigManager) GetConfigDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := cm.GetConfigWithDefault(key, defaultValue.String())
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		warnf("Invalid duration '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
	return duration
}

// GetConfigInt parses an integer from config with validation
func (cm *ConfigManager) GetConfigInt(key string, defaultValue int, min int, max int) int {
	valueStr := cm.GetConfigWithDefault(key, strconv.Itoa(defaultValue))
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		warnf("Invalid integer '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		warnf("Value %d for key '%s' out of range [%d, %d], using default %d\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigInt64 parses an int64 from config with validation
func (cm *ConfigManager) GetConfigInt64(key string, defaultValue int64, min int64, max int64) int64 {
	valueStr := cm.GetConfigWithDefault(key, strconv.FormatInt(defaultValue, 10))
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		warnf("Invalid int64 '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		warnf("Value %d for key '%s' out of range [%d, %d], using default %d\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigFloat64 parses a float64 from config with validation
func (cm *ConfigManager) GetConfigFloat64(key string, defaultValue float64, min float64, max float64) float64 {
	valueStr := cm.GetConfigWithDefault(key, strconv.FormatFloat(defaultValue, 'g', -1, 64))
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		warnf("Invalid float '%s' for key '%s', using default %g\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		warnf("Value %g for key '%s' out of range [%g, %g], using default %g\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigBytes parses a byte size from config (supports units like KB, MB, GB)
func (cm *ConfigManager) GetConfigBytes(key string, defaultValue int64) int64 {
	valueStr := cm.GetConfigWithDefault(key, strconv.FormatInt(defaultValue, 10))

	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}

	valueStr = strings.ToLower(strings.TrimSpace(valueStr))

	// longest suffixes first so "kb" is not read as "b"
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(valueStr, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(valueStr, u.suffix))
			if num, err := strconv.ParseFloat(numStr, 64); err == nil {
				return int64(num * float64(u.multiplier))
			}
			break
		}
	}

	warnf("Invalid byte size '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
	return defaultValue
}

// GetConfigSlice parses a comma-separated string into a slice
func (cm *ConfigManager) GetConfigSlice(key string, defaultValues []string) []string {
	valueStr := cm.GetConfigWithDefault(key, strings.Join(defaultValues, ","))

	var values []string
	for _, value := range strings.Split(valueStr, ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			values = append(values, value)
		}
	}

	if len(values) == 0 {
		return defaultValues
	}

	return values
}

// GetConfigBool parses a boolean from config with default fallback
func (cm *ConfigManager) GetConfigBool(key string, defaultValue bool) bool {
	valueStr := cm.GetConfigWithDefault(key, strconv.FormatBool(defaultValue))
	valueStr = strings.ToLower(strings.TrimSpace(valueStr))

	switch valueStr {
	case "true", "yes", "1", "on", "enabled":
		return true
	case "false", "no", "0", "off", "disabled":
		return false
	default:
		warnf("Invalid boolean '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
}

// SetConfig sets a configuration value at runtime
func (cm *ConfigManager) SetConfig(key string, value interface{}) {
	cm.configMutex.Lock()
	defer cm.configMutex.Unlock()

	var strValue string
	switch v := value.(type) {
	case string:
		strValue = v
	case bool:
		strValue = strconv.FormatBool(v)
	case int:
		strValue = strconv.Itoa(v)
	case int64:
		strValue = strconv.FormatInt(v, 10)
	case float64:
		strValue = strconv.FormatFloat(v, 'f', -1, 64)
	case time.Duration:
		strValue = v.String()
	default:
		strValue = fmt.Sprintf("%v", v)
	}

	cm.configs[key] = strValue
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}
