// Package leads classifies active conversations into sales-lead
// categories via a periodic structured-output model call.
package leads

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Lead categories. A phone number appears at most once per category;
// it may legitimately appear in several categories across runs.
const (
	CategorySerious  = "serious"
	CategoryStalled  = "stalled"
	CategoryVisiting = "visiting"
	CategoryFollowUp = "follow_up"
)

// Categories lists all categories in display order.
var Categories = []string{CategorySerious, CategoryStalled, CategoryVisiting, CategoryFollowUp}

// Lead is one categorized contact.
type Lead struct {
	Phone  string `json:"phone"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result groups leads by category, as one analysis run produces them.
type Result map[string][]Lead

// Snapshot is the cached state the dashboard renders.
type Snapshot struct {
	Categories  Result    `json:"categories"`
	LastUpdated time.Time `json:"last_updated"`
}

// Cache is the SQLite-backed lead store. Merging is a per-category,
// per-phone upsert: a later result for the same phone replaces the
// earlier one, never duplicates it.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCache opens the lead cache, creating the schema if needed.
func NewCache(db *sql.DB, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{db: db, logger: logger.With("component", "leads")}
	schema := `
	CREATE TABLE IF NOT EXISTS leads (
		category TEXT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (category, phone)
	);
	CREATE TABLE IF NOT EXISTS leads_meta (
		key TEXT PRIMARY KEY,
		value TIMESTAMP
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate leads: %w", err)
	}
	return c, nil
}

// Merge upserts one run's results and advances the last-updated mark.
// Applied in a single transaction so a failed merge leaves the cache
// unchanged.
func (c *Cache) Merge(result Result, runTime time.Time) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for category, entries := range result {
		for _, lead := range entries {
			if lead.Phone == "" {
				continue
			}
			_, err := tx.Exec(`
				INSERT INTO leads (category, phone, name, reason, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(category, phone) DO UPDATE SET
					name = excluded.name,
					reason = excluded.reason,
					updated_at = excluded.updated_at
			`, category, lead.Phone, lead.Name, lead.Reason, runTime)
			if err != nil {
				return fmt.Errorf("upsert lead %s/%s: %w", category, lead.Phone, err)
			}
		}
	}

	_, err = tx.Exec(`
		INSERT INTO leads_meta (key, value) VALUES ('last_updated', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, runTime)
	if err != nil {
		return fmt.Errorf("update last_updated: %w", err)
	}

	return tx.Commit()
}

// Snapshot returns the full cached state.
func (c *Cache) Snapshot() (*Snapshot, error) {
	rows, err := c.db.Query(`SELECT category, phone, name, reason FROM leads ORDER BY category, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Categories: make(Result)}
	for _, cat := range Categories {
		snap.Categories[cat] = nil
	}
	for rows.Next() {
		var category string
		var lead Lead
		if err := rows.Scan(&category, &lead.Phone, &lead.Name, &lead.Reason); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		snap.Categories[category] = append(snap.Categories[category], lead)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullTime
	if err := c.db.QueryRow(`SELECT value FROM leads_meta WHERE key = 'last_updated'`).Scan(&last); err == nil && last.Valid {
		snap.LastUpdated = last.Time
	}

	return snap, nil
}
