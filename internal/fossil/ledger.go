package fossil

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/strataworks/strata/internal/terrain"
)

// Entry is one ledger row: a member key and the fossil it was merged into.
type Entry struct {
	MemberKey string
	FossilKey string
	X         int
	Y         int
	MergedAt  int64
}

// Fossil is one consolidation event.
type Fossil struct {
	FossilKey   string
	X           int
	Y           int
	Elevation   float64
	MemberCount int
	CreatedAt   int64
}

// RecordMerges writes a batch of consolidation results in one transaction.
// A member key that was already consolidated once (its fossil later merged
// again) is re-pointed at the newest fossil.
func (db *DB) RecordMerges(merges []terrain.Merge) error {
	if len(merges) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin merge batch: %w", err)
	}
	defer tx.Rollback()

	insFossil, err := tx.Prepare(`
		INSERT INTO fossils (fossil_key, x, y, elevation, member_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare fossil insert: %w", err)
	}
	defer insFossil.Close()

	insMember, err := tx.Prepare(`
		INSERT INTO fossil_members (member_key, fossil_key, x, y, merged_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(member_key) DO UPDATE SET
			fossil_key = excluded.fossil_key,
			x          = excluded.x,
			y          = excluded.y,
			merged_at  = excluded.merged_at
	`)
	if err != nil {
		return fmt.Errorf("prepare member insert: %w", err)
	}
	defer insMember.Close()

	for _, m := range merges {
		if _, err := insFossil.Exec(m.FossilKey, m.X, m.Y, m.Elevation, len(m.Members), now); err != nil {
			return fmt.Errorf("insert fossil %s: %w", m.FossilKey, err)
		}
		for _, key := range m.Members {
			if _, err := insMember.Exec(key, m.FossilKey, m.X, m.Y, now); err != nil {
				return fmt.Errorf("insert member %s: %w", key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge batch: %w", err)
	}
	return nil
}

// Lookup returns the ledger entry for a consolidated member key.
// terrain.ErrNotFound means the key was never consolidated.
func (db *DB) Lookup(memberKey string) (*Entry, error) {
	var e Entry
	err := db.QueryRow(`
		SELECT member_key, fossil_key, x, y, merged_at
		FROM fossil_members WHERE member_key = ?
	`, memberKey).Scan(&e.MemberKey, &e.FossilKey, &e.X, &e.Y, &e.MergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, terrain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup member %s: %w", memberKey, err)
	}
	return &e, nil
}

// Members returns the member keys merged into a fossil, in insertion order.
func (db *DB) Members(fossilKey string) ([]string, error) {
	rows, err := db.Query(`
		SELECT member_key FROM fossil_members
		WHERE fossil_key = ? ORDER BY rowid
	`, fossilKey)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", fossilKey, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetFossil returns one consolidation event by fossil key.
func (db *DB) GetFossil(fossilKey string) (*Fossil, error) {
	var f Fossil
	err := db.QueryRow(`
		SELECT fossil_key, x, y, elevation, member_count, created_at
		FROM fossils WHERE fossil_key = ?
	`, fossilKey).Scan(&f.FossilKey, &f.X, &f.Y, &f.Elevation, &f.MemberCount, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, terrain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fossil %s: %w", fossilKey, err)
	}
	return &f, nil
}

// Counts returns the number of fossils and consolidated member keys.
func (db *DB) Counts() (fossils, members int, err error) {
	if err := db.QueryRow("SELECT COUNT(*) FROM fossils").Scan(&fossils); err != nil {
		return 0, 0, fmt.Errorf("count fossils: %w", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM fossil_members").Scan(&members); err != nil {
		return 0, 0, fmt.Errorf("count members: %w", err)
	}
	return fossils, members, nil
}
