package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// KnownContacts persists routing table contacts across restarts so they
// can seed the next bootstrap.
type KnownContacts struct {
	db     *sql.DB
	logger *utils.LogsManager

	upsertStmt *sql.Stmt
	recentStmt *sql.Stmt
	staleStmt  *sql.Stmt
}

func NewKnownContacts(db *sql.DB, logger *utils.LogsManager) (*KnownContacts, error) {
	kc := &KnownContacts{
		db:     db,
		logger: logger,
	}

	if err := kc.createTables(); err != nil {
		return nil, err
	}
	if err := kc.prepareStatements(); err != nil {
		return nil, err
	}
	return kc, nil
}

func (kc *KnownContacts) createTables() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS known_contacts (
	"node_id" BLOB PRIMARY KEY,
	"addr" TEXT NOT NULL,
	"flags" INTEGER NOT NULL DEFAULT 0,
	"rtt_ms" INTEGER NOT NULL DEFAULT 0,
	"last_seen" INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_known_contacts_last_seen ON known_contacts(last_seen);
`

	if _, err := kc.db.ExecContext(context.Background(), createTableSQL); err != nil {
		return fmt.Errorf("failed to create known_contacts table: %w", err)
	}
	return nil
}

func (kc *KnownContacts) prepareStatements() error {
	var err error

	kc.upsertStmt, err = kc.db.Prepare(`
		INSERT INTO known_contacts (node_id, addr, flags, rtt_ms, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			addr = excluded.addr,
			flags = excluded.flags,
			rtt_ms = excluded.rtt_ms,
			last_seen = MAX(last_seen, excluded.last_seen)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	kc.recentStmt, err = kc.db.Prepare(`
		SELECT node_id, addr, flags, rtt_ms, last_seen
		FROM known_contacts
		ORDER BY last_seen DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare recent statement: %w", err)
	}

	kc.staleStmt, err = kc.db.Prepare(`DELETE FROM known_contacts WHERE last_seen < ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}
	return nil
}

// Save upserts contacts in one transaction.
func (kc *KnownContacts) Save(contacts []contact.Contact) error {
	tx, err := kc.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(kc.upsertStmt)
	for _, c := range contacts {
		lastSeen := c.LastSeen
		if lastSeen.IsZero() {
			lastSeen = time.Now()
		}
		if _, err := stmt.Exec(c.ID[:], c.Addr.String(), int(c.Flags), c.RTT.Milliseconds(), lastSeen.Unix()); err != nil {
			return fmt.Errorf("failed to save contact %s: %w", c, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contacts: %w", err)
	}
	kc.logger.Debug(fmt.Sprintf("Saved %d known contacts", len(contacts)), "database")
	return nil
}

// Recent returns up to limit contacts, most recently seen first.
func (kc *KnownContacts) Recent(limit int) ([]contact.Contact, error) {
	rows, err := kc.recentStmt.Query(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query known contacts: %w", err)
	}
	defer rows.Close()

	var out []contact.Contact
	for rows.Next() {
		var (
			id     []byte
			addr   string
			flags  int
			rttMs  int64
			seenAt int64
		)
		if err := rows.Scan(&id, &addr, &flags, &rttMs, &seenAt); err != nil {
			kc.logger.Warn(fmt.Sprintf("Failed to scan known contact: %v", err), "database")
			continue
		}
		nodeID, err := kuid.FromBytes(id)
		if err != nil {
			continue
		}
		ap, err := netip.ParseAddrPort(addr)
		if err != nil {
			continue
		}
		c := contact.New(nodeID, ap)
		c.Flags = contact.Flags(flags)
		c.RTT = time.Duration(rttMs) * time.Millisecond
		c.LastSeen = time.Unix(seenAt, 0)
		out = append(out, c)
	}
	return out, nil
}

// Prune removes contacts not seen since cutoff.
func (kc *KnownContacts) Prune(cutoff time.Time) (int64, error) {
	res, err := kc.staleStmt.Exec(cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
