package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// SQLiteDatabase is a Database persisted in the dht_values table.
type SQLiteDatabase struct {
	db        *sql.DB
	logger    *utils.LogsManager
	maxPerKey int
	load      *loadTracker
}

func NewSQLiteDatabase(db *sql.DB, logger *utils.LogsManager, maxPerKey int, loadSmoothing float64) (*SQLiteDatabase, error) {
	sdb := &SQLiteDatabase{
		db:        db,
		logger:    logger,
		maxPerKey: maxPerKey,
		load:      newLoadTracker(loadSmoothing),
	}

	if err := sdb.createTables(); err != nil {
		return nil, err
	}
	return sdb, nil
}

func (sdb *SQLiteDatabase) createTables() error {
	createValuesTableSQL := `
	CREATE TABLE IF NOT EXISTS dht_values (
		primary_key BLOB NOT NULL,
		secondary_key BLOB NOT NULL,
		value_type INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL,
		creator_id BLOB NOT NULL,
		creator_addr TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		local_origin INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY(primary_key, secondary_key)
	);
	CREATE INDEX IF NOT EXISTS idx_dht_values_created ON dht_values(created_at, local_origin);
	`

	if _, err := sdb.db.ExecContext(context.Background(), createValuesTableSQL); err != nil {
		return fmt.Errorf("failed to create dht_values table: %w", err)
	}
	return nil
}

const selectValueColumns = `primary_key, secondary_key, value_type, version, payload, creator_id, creator_addr, created_at, local_origin`

func scanValue(rows *sql.Rows) (ValueTuple, error) {
	var (
		v                        ValueTuple
		pk, sk, creatorID, value []byte
		creatorAddr              string
		created                  int64
		local                    int
	)
	if err := rows.Scan(&pk, &sk, &v.Type, &v.Version, &value, &creatorID, &creatorAddr, &created, &local); err != nil {
		return v, err
	}

	var err error
	if v.PrimaryKey, err = kuid.FromBytes(pk); err != nil {
		return v, err
	}
	if v.SecondaryKey, err = kuid.FromBytes(sk); err != nil {
		return v, err
	}
	if v.Creator.ID, err = kuid.FromBytes(creatorID); err != nil {
		return v, err
	}
	if creatorAddr != "" {
		if v.Creator.Addr, err = netip.ParseAddrPort(creatorAddr); err != nil {
			return v, err
		}
	}
	v.Payload = value
	v.CreationTime = time.Unix(0, created)
	v.LocalOrigin = local != 0
	return v, nil
}

func (sdb *SQLiteDatabase) query(q string, args ...interface{}) []ValueTuple {
	rows, err := sdb.db.Query(q, args...)
	if err != nil {
		sdb.logger.Error(fmt.Sprintf("Failed to query values: %v", err), "database")
		return nil
	}
	defer rows.Close()

	var out []ValueTuple
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			sdb.logger.Warn(fmt.Sprintf("Skipping unreadable value row: %v", err), "database")
			continue
		}
		out = append(out, v)
	}
	return out
}

func (sdb *SQLiteDatabase) Get(key kuid.KUID) []ValueTuple {
	return sdb.query(`SELECT `+selectValueColumns+` FROM dht_values WHERE primary_key = ? ORDER BY secondary_key`, key[:])
}

func (sdb *SQLiteDatabase) Values() []ValueTuple {
	return sdb.query(`SELECT ` + selectValueColumns + ` FROM dht_values`)
}

func (sdb *SQLiteDatabase) Store(v ValueTuple) bool {
	if v.IsRemove() {
		res, err := sdb.exec(`DELETE FROM dht_values WHERE primary_key = ? AND secondary_key = ? AND version <= ?`,
			v.PrimaryKey[:], v.SecondaryKey[:], v.Version)
		if err != nil {
			sdb.logger.Error(fmt.Sprintf("Failed to remove value %s: %v", v, err), "database")
			return false
		}
		n, _ := res.RowsAffected()
		return n > 0
	}

	tx, err := sdb.db.Begin()
	if err != nil {
		sdb.logger.Error(fmt.Sprintf("Failed to begin store transaction: %v", err), "database")
		return false
	}
	defer tx.Rollback()

	var existingVersion, local int
	err = tx.QueryRow(`SELECT version, local_origin FROM dht_values WHERE primary_key = ? AND secondary_key = ?`,
		v.PrimaryKey[:], v.SecondaryKey[:]).Scan(&existingVersion, &local)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		sdb.logger.Error(fmt.Sprintf("Failed to read value %s: %v", v, err), "database")
		return false
	}
	if exists && existingVersion > v.Version {
		return false
	}
	if !exists && sdb.maxPerKey > 0 {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM dht_values WHERE primary_key = ?`, v.PrimaryKey[:]).Scan(&count); err != nil {
			sdb.logger.Error(fmt.Sprintf("Failed to count values: %v", err), "database")
			return false
		}
		if count >= sdb.maxPerKey {
			return false
		}
	}

	if v.CreationTime.IsZero() {
		v.CreationTime = time.Now()
	}
	localOrigin := 0
	if v.LocalOrigin || local != 0 {
		localOrigin = 1
	}
	creatorAddr := ""
	if v.Creator.Addr.IsValid() {
		creatorAddr = v.Creator.Addr.String()
	}

	_, err = tx.Exec(`
		INSERT INTO dht_values (`+selectValueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(primary_key, secondary_key) DO UPDATE SET
			value_type = excluded.value_type,
			version = excluded.version,
			payload = excluded.payload,
			creator_id = excluded.creator_id,
			creator_addr = excluded.creator_addr,
			created_at = excluded.created_at,
			local_origin = excluded.local_origin
	`, v.PrimaryKey[:], v.SecondaryKey[:], v.Type, v.Version, v.Payload, v.Creator.ID[:], creatorAddr,
		v.CreationTime.UnixNano(), localOrigin)
	if err != nil {
		sdb.logger.Error(fmt.Sprintf("Failed to store value %s: %v", v, err), "database")
		return false
	}

	if err := tx.Commit(); err != nil {
		sdb.logger.Error(fmt.Sprintf("Failed to commit value %s: %v", v, err), "database")
		return false
	}
	return true
}

// exec retries statements that fail on a busy database.
func (sdb *SQLiteDatabase) exec(query string, args ...interface{}) (sql.Result, error) {
	maxRetries := 3
	retryDelay := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		res, err := sdb.db.Exec(query, args...)
		if err == nil {
			return res, nil
		}
		busy := strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")
		if !busy || attempt >= maxRetries-1 {
			return nil, err
		}
		sdb.logger.Debug(fmt.Sprintf("Database busy, retrying in %v (attempt %d/%d)", retryDelay, attempt+1, maxRetries), "database")
		time.Sleep(retryDelay)
		retryDelay *= 2
	}
}

func (sdb *SQLiteDatabase) RequestLoad(key kuid.KUID, increment bool) float32 {
	return sdb.load.requestLoad(key, increment)
}

func (sdb *SQLiteDatabase) Expire(cutoff time.Time) int {
	res, err := sdb.exec(`DELETE FROM dht_values WHERE local_origin = 0 AND created_at < ?`, cutoff.UnixNano())
	if err != nil {
		sdb.logger.Error(fmt.Sprintf("Failed to expire values: %v", err), "database")
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (sdb *SQLiteDatabase) Size() int {
	var n int
	if err := sdb.db.QueryRow(`SELECT COUNT(*) FROM dht_values`).Scan(&n); err != nil {
		sdb.logger.Error(fmt.Sprintf("Failed to count values: %v", err), "database")
		return 0
	}
	return n
}

// Close is a no-op, the connection belongs to SQLiteManager.
func (sdb *SQLiteDatabase) Close() error { return nil }

var _ Database = (*SQLiteDatabase)(nil)
var _ Database = (*MemoryDatabase)(nil)

