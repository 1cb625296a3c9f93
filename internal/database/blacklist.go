package database

import (
	"database/sql"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// BlacklistedAddr is an IP that the node refuses to talk to.
type BlacklistedAddr struct {
	IP            string    `json:"ip"`
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
}

// InitBlacklistTable creates the blacklist table if it doesn't exist
func (sm *SQLiteManager) InitBlacklistTable() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS blacklist (
		ip TEXT PRIMARY KEY,
		reason TEXT,
		blacklisted_at INTEGER NOT NULL
	);
	`

	if _, err := sm.db.Exec(createTableSQL); err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to create blacklist table: %v", err), "database")
		return err
	}

	return nil
}

// AddToBlacklist bans every port of addr's IP.
func (sm *SQLiteManager) AddToBlacklist(addr netip.Addr, reason string) error {
	query := `
		INSERT OR REPLACE INTO blacklist (ip, reason, blacklisted_at)
		VALUES (?, ?, ?)
	`

	if _, err := sm.db.Exec(query, addr.Unmap().String(), reason, time.Now().Unix()); err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to add %s to blacklist: %v", addr, err), "database")
		return err
	}

	sm.logger.Info(fmt.Sprintf("Address %s added to blacklist (%s)", addr, reason), "database")
	return nil
}

// RemoveFromBlacklist returns sql.ErrNoRows when addr was not listed.
func (sm *SQLiteManager) RemoveFromBlacklist(addr netip.Addr) error {
	result, err := sm.db.Exec(`DELETE FROM blacklist WHERE ip = ?`, addr.Unmap().String())
	if err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to remove %s from blacklist: %v", addr, err), "database")
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (sm *SQLiteManager) IsBlacklisted(addr netip.Addr) (bool, error) {
	var count int
	err := sm.db.QueryRow(`SELECT COUNT(*) FROM blacklist WHERE ip = ?`, addr.Unmap().String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (sm *SQLiteManager) GetBlacklist() ([]*BlacklistedAddr, error) {
	rows, err := sm.db.Query(`SELECT ip, reason, blacklisted_at FROM blacklist ORDER BY blacklisted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*BlacklistedAddr
	for rows.Next() {
		var (
			entry BlacklistedAddr
			at    int64
		)
		if err := rows.Scan(&entry.IP, &entry.Reason, &at); err != nil {
			sm.logger.Warn(fmt.Sprintf("Failed to scan blacklist row: %v", err), "database")
			continue
		}
		entry.BlacklistedAt = time.Unix(at, 0)
		list = append(list, &entry)
	}
	return list, nil
}

// Blacklist is an in-memory view of the blacklist table, consulted for
// every inbound datagram.
type Blacklist struct {
	mu  sync.RWMutex
	ips map[netip.Addr]struct{}
	sm  *SQLiteManager
}

// NewBlacklist loads the table. sm may be nil for a memory-only list.
func NewBlacklist(sm *SQLiteManager) (*Blacklist, error) {
	b := &Blacklist{ips: make(map[netip.Addr]struct{}), sm: sm}
	if sm == nil {
		return b, nil
	}

	list, err := sm.GetBlacklist()
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if ip, err := netip.ParseAddr(e.IP); err == nil {
			b.ips[ip] = struct{}{}
		}
	}
	return b, nil
}

func (b *Blacklist) Add(addr netip.Addr, reason string) error {
	addr = addr.Unmap()
	if b.sm != nil {
		if err := b.sm.AddToBlacklist(addr, reason); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.ips[addr] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *Blacklist) Remove(addr netip.Addr) error {
	addr = addr.Unmap()
	if b.sm != nil {
		if err := b.sm.RemoveFromBlacklist(addr); err != nil && err != sql.ErrNoRows {
			return err
		}
	}
	b.mu.Lock()
	delete(b.ips, addr)
	b.mu.Unlock()
	return nil
}

func (b *Blacklist) Contains(addr netip.Addr) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[addr.Unmap()]
	return ok
}

func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ips)
}
