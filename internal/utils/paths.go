package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the directory name used under the platform config, data and
// log roots.
const AppName = "dht-node"

// HomeEnv, when set, puts config, logs and data of the node under one
// directory. Several nodes can then share a host.
const HomeEnv = EnvPrefix + "HOME"

type AppPaths struct {
	ConfigDir string
	LogDir    string
	DataDir   string
}

func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = AppName
	}

	var paths *AppPaths
	if home := os.Getenv(HomeEnv); home != "" {
		paths = &AppPaths{
			ConfigDir: home,
			LogDir:    filepath.Join(home, "logs"),
			DataDir:   filepath.Join(home, "data"),
		}
	} else {
		paths = platformPaths(appName)
	}

	for _, dir := range []string{paths.ConfigDir, paths.LogDir, paths.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &AppPaths{ConfigDir: ".", LogDir: ".", DataDir: "."}
		}
	}
	return paths
}

func platformPaths(appName string) *AppPaths {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		dir := filepath.Join(appData, appName)
		return &AppPaths{ConfigDir: dir, LogDir: dir, DataDir: dir}

	case "darwin":
		dir := filepath.Join(homeDir, "Library", "Application Support", appName)
		return &AppPaths{
			ConfigDir: dir,
			LogDir:    filepath.Join(homeDir, "Library", "Logs", appName),
			DataDir:   dir,
		}

	case "linux":
		// XDG base directories
		return &AppPaths{
			ConfigDir: filepath.Join(xdgDir("XDG_CONFIG_HOME", homeDir, ".config"), appName),
			LogDir:    filepath.Join(xdgDir("XDG_CACHE_HOME", homeDir, ".cache"), appName, "logs"),
			DataDir:   filepath.Join(xdgDir("XDG_DATA_HOME", homeDir, ".local", "share"), appName),
		}

	default:
		dir := filepath.Join(homeDir, "."+appName)
		return &AppPaths{ConfigDir: dir, LogDir: dir, DataDir: dir}
	}
}

func xdgDir(env string, home string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}
