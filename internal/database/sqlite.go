package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager owns the node's SQLite connection and the tables on it.
type SQLiteManager struct {
	dir    string
	cm     *utils.ConfigManager
	db     *sql.DB
	logger *utils.LogsManager

	Values   *SQLiteDatabase
	Contacts *KnownContacts
}

// NewSQLiteManager opens (creating if needed) the database file named by
// database_file under the app data directory.
func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	paths := utils.GetAppPaths("")
	sqlm := &SQLiteManager{
		dir:    paths.DataDir,
		cm:     cm,
		logger: logger,
	}

	db, err := sqlm.CreateConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	if err := sqlm.attach(db); err != nil {
		db.Close()
		return nil, err
	}
	return sqlm, nil
}

// NewSQLiteManagerWithDB uses an already open connection.
func NewSQLiteManagerWithDB(db *sql.DB, cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{
		cm:     cm,
		logger: logger,
	}
	if err := sqlm.attach(db); err != nil {
		return nil, err
	}
	return sqlm, nil
}

func (sqlm *SQLiteManager) attach(db *sql.DB) error {
	sqlm.db = db

	var err error
	sqlm.Values, err = NewSQLiteDatabase(db, sqlm.logger,
		sqlm.cm.GetConfigInt("dht_max_values_per_key", 5, 0, 10000),
		sqlm.cm.GetConfigFloat64("dht_request_load_smoothing", 0.25, 0.01, 1))
	if err != nil {
		return fmt.Errorf("failed to initialize values table: %w", err)
	}

	sqlm.Contacts, err = NewKnownContacts(db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize known contacts table: %w", err)
	}

	if err := sqlm.InitBlacklistTable(); err != nil {
		return fmt.Errorf("failed to initialize blacklist table: %w", err)
	}

	sqlm.logger.Info("Database managers initialized successfully", "database")
	return nil
}

// CreateConnection creates and configures the database connection
func (sqlm *SQLiteManager) CreateConnection() (*sql.DB, error) {
	dbFileName := sqlm.cm.GetConfigWithDefault("database_file", utils.AppName+".db")
	switch runtime.GOOS {
	case "linux", "darwin":
		dbFileName = filepath.ToSlash(dbFileName)
	case "windows":
		dbFileName = filepath.FromSlash(dbFileName)
	default:
		return nil, fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	path := filepath.Join(sqlm.dir, dbFileName)

	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path))
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to enable WAL mode: %s", err.Error()), "database")
	}

	return db, nil
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

func (sqlm *SQLiteManager) GetStats() map[string]interface{} {
	dbStats := sqlm.db.Stats()
	return map[string]interface{}{
		"open_connections": dbStats.OpenConnections,
		"in_use":           dbStats.InUse,
		"idle":             dbStats.Idle,
		"values":           sqlm.Values.Size(),
	}
}

// PerformMaintenance runs database maintenance tasks
func (sqlm *SQLiteManager) PerformMaintenance() error {
	if _, err := sqlm.db.Exec("PRAGMA optimize;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to optimize database: %v", err), "database")
	}
	if _, err := sqlm.db.Exec("PRAGMA incremental_vacuum(100);"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to vacuum database: %v", err), "database")
	}
	return nil
}
