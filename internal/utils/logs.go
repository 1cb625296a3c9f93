package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LogsManager writes JSON log lines tagged with a category and the caller's
// file. A node logs to <log dir>/<logfile>, rolled over by size; tests and
// CLI commands log to a plain writer.
type LogsManager struct {
	logger *log.Logger
	mutex  sync.RWMutex
	out    io.Writer
	file   *rollingFile
}

func NewLogsManager(cm *ConfigManager) *LogsManager {
	name := filepath.FromSlash(cm.GetConfigWithDefault("logfile", AppName+".log"))
	path := filepath.Join(GetAppPaths("").LogDir, name)

	var maxBytes int64
	if parseConfigBool(cm.GetConfigWithDefault("log_enable_rotation", "true"), true) {
		maxBytes = parseConfigInt64(cm.GetConfigWithDefault("log_max_size_mb", "100"), 100) << 20
	}
	backups := parseConfigInt(cm.GetConfigWithDefault("log_max_backups", "10"), 10)

	f, err := openRollingFile(path, maxBytes, backups)
	if err != nil {
		panic(err)
	}

	lm := newLogsManager(f, cm.GetConfigWithDefault("log_level", "info"))
	lm.file = f
	return lm
}

// NewLogsManagerForWriter logs to w at the given level. Used by tests and by
// short lived CLI commands that log to stderr.
func NewLogsManagerForWriter(w io.Writer, level string) *LogsManager {
	return newLogsManager(w, level)
}

func newLogsManager(w io.Writer, level string) *LogsManager {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s', defaulting to 'info'\n", level)
		lvl = log.InfoLevel
	}
	lm := &LogsManager{logger: log.New(), out: w}
	lm.logger.SetLevel(lvl)
	lm.logger.SetOutput(w)
	lm.logger.SetFormatter(&log.JSONFormatter{})
	return lm
}

func callerFile(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "<???>:1"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func (lm *LogsManager) Log(level string, message string, category string) {
	lm.log(level, message, category, 3)
}

func (lm *LogsManager) log(level string, message string, category string, skip int) {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	// closed during shutdown
	if lm.out == nil {
		return
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     callerFile(skip),
	}).Log(lvl, message)
}

func (lm *LogsManager) Debug(message string, category string) {
	lm.log("debug", message, category, 3)
}

func (lm *LogsManager) Info(message string, category string) {
	lm.log("info", message, category, 3)
}

func (lm *LogsManager) Warn(message string, category string) {
	lm.log("warn", message, category, 3)
}

func (lm *LogsManager) Error(message string, category string) {
	lm.log("error", message, category, 3)
}

// Close stops logging. Later entries are dropped.
func (lm *LogsManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	lm.out = nil
	if lm.file == nil {
		return nil
	}
	err := lm.file.Close()
	lm.file = nil
	return err
}

func (lm *LogsManager) SetLogLevel(levelStr string) error {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %w", levelStr, err)
	}
	lm.logger.SetLevel(level)
	return nil
}

func (lm *LogsManager) GetLogLevel() string {
	return lm.logger.GetLevel().String()
}

// rollingFile appends to path. Once a write would grow it past maxBytes the
// file is renamed to path.1 (older backups shift to path.2 and up, keeping
// at most backups of them) and a fresh file is opened. maxBytes <= 0
// disables rolling.
type rollingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	f        *os.File
	size     int64
}

func openRollingFile(path string, maxBytes int64, backups int) (*rollingFile, error) {
	rf := &rollingFile{path: path, maxBytes: maxBytes, backups: backups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rollingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", rf.path, err)
	}
	rf.f = f
	rf.size = 0
	if st, err := f.Stat(); err == nil {
		rf.size = st.Size()
	}
	return nil
}

func (rf *rollingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.f == nil {
		return 0, os.ErrClosed
	}
	if rf.maxBytes > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.maxBytes {
		if err := rf.roll(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to roll log file %s: %v\n", rf.path, err)
		}
	}
	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// roll shifts path.N-1 to path.N down to path to path.1, dropping the
// oldest backup.
func (rf *rollingFile) roll() error {
	rf.f.Close()
	rf.f = nil

	if rf.backups > 0 {
		os.Remove(rf.backupName(rf.backups))
		for i := rf.backups - 1; i >= 1; i-- {
			os.Rename(rf.backupName(i), rf.backupName(i+1))
		}
		if err := os.Rename(rf.path, rf.backupName(1)); err != nil && !os.IsNotExist(err) {
			rf.open()
			return err
		}
	} else if err := os.Truncate(rf.path, 0); err != nil && !os.IsNotExist(err) {
		rf.open()
		return err
	}
	return rf.open()
}

func (rf *rollingFile) backupName(i int) string {
	return rf.path + "." + strconv.Itoa(i)
}

func (rf *rollingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f == nil {
		return nil
	}
	err := rf.f.Close()
	rf.f = nil
	return err
}

func parseConfigInt64(value string, fallback int64) int64 {
	if result, err := strconv.ParseInt(value, 10, 64); err == nil {
		return result
	}
	return fallback
}

func parseConfigInt(value string, fallback int) int {
	if result, err := strconv.Atoi(value); err == nil {
		return result
	}
	return fallback
}

func parseConfigBool(value string, fallback bool) bool {
	if result, err := strconv.ParseBool(value); err == nil {
		return result
	}
	return fallback
}
