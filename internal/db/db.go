// Package db provides SQLite storage for the routedeck alias replica.
package db

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/routedeck/routedeck/internal/types"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection for routedeck operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) a routedeck database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// GenID generates a random 16-character hex ID.
func GenID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Now returns the current time as an ISO 8601 string.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// DiscoverDB finds the routedeck database by walking up from cwd.
// Returns the path to .routedeck/routedeck.db or empty string if not found.
func DiscoverDB() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".routedeck", "routedeck.db")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	fallback := filepath.Join(DefaultDir(), "routedeck.db")
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

// DefaultDir returns the .routedeck directory under the user's home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".routedeck"
	}
	return filepath.Join(home, ".routedeck")
}

// --- alias operations ---

const aliasColumns = `id, email_address, website, notes, created, cloudflare_tag,
	is_enabled, sort_index, forward_to, zone_id, action_type,
	is_logged_out, is_manually_created, mirror_disabled, user_identifier`

// ListAliases returns all non-logged-out aliases in sort order.
func (d *DB) ListAliases() ([]*types.EmailAlias, error) {
	rows, err := d.conn.Query(`
		SELECT ` + aliasColumns + `
		FROM aliases
		WHERE is_logged_out = 0
		ORDER BY sort_index ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAliases(rows)
}

// ListAllAliases returns every alias, logged-out included, in insertion order.
func (d *DB) ListAllAliases() ([]*types.EmailAlias, error) {
	rows, err := d.conn.Query(`
		SELECT ` + aliasColumns + `
		FROM aliases
		ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAliases(rows)
}

// AliasesByZone returns a zone's non-logged-out aliases in sort order.
func (d *DB) AliasesByZone(zoneID string) ([]*types.EmailAlias, error) {
	rows, err := d.conn.Query(`
		SELECT `+aliasColumns+`
		FROM aliases
		WHERE zone_id = ? AND is_logged_out = 0
		ORDER BY sort_index ASC, rowid ASC`, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAliases(rows)
}

// AliasByAddress returns the non-logged-out alias for a normalized address,
// or nil. When duplicates exist the one with the latest created date wins.
func (d *DB) AliasByAddress(address string) (*types.EmailAlias, error) {
	rows, err := d.conn.Query(`
		SELECT `+aliasColumns+`
		FROM aliases
		WHERE email_address = ? AND is_logged_out = 0
		ORDER BY created DESC, rowid ASC
		LIMIT 1`, types.NormalizeAddress(address))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	aliases, err := scanAliases(rows)
	if err != nil || len(aliases) == 0 {
		return nil, err
	}
	return aliases[0], nil
}

// AliasByID returns an alias by its local ID, or nil.
func (d *DB) AliasByID(id string) (*types.EmailAlias, error) {
	rows, err := d.conn.Query(`
		SELECT `+aliasColumns+`
		FROM aliases
		WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	aliases, err := scanAliases(rows)
	if err != nil || len(aliases) == 0 {
		return nil, err
	}
	return aliases[0], nil
}

// InsertAlias inserts a single alias outside any batch.
func (d *DB) InsertAlias(a *types.EmailAlias) error {
	return insertAlias(d.conn, a)
}

// UpdateAlias rewrites all mutable fields of an alias.
func (d *DB) UpdateAlias(a *types.EmailAlias) error {
	return updateAlias(d.conn, a)
}

// DeleteAlias removes an alias by ID.
func (d *DB) DeleteAlias(id string) error {
	_, err := d.conn.Exec("DELETE FROM aliases WHERE id = ?", id)
	return err
}

// MarkZoneLoggedOut soft-deletes all of a zone's aliases. Data is retained
// for re-auth; the remote rules are untouched.
func (d *DB) MarkZoneLoggedOut(zoneID string) error {
	_, err := d.conn.Exec("UPDATE aliases SET is_logged_out = 1 WHERE zone_id = ?", zoneID)
	return err
}

// AliasCount returns the number of non-logged-out aliases.
func (d *DB) AliasCount() int {
	var n int
	d.conn.QueryRow("SELECT COUNT(*) FROM aliases WHERE is_logged_out = 0").Scan(&n)
	return n
}

// MinSortIndex returns the smallest sort index among non-logged-out aliases,
// or 0 when there are none. Locally created entries not yet confirmed by a
// reconciliation pass sort below this.
func (d *DB) MinSortIndex() int {
	var n sql.NullInt64
	d.conn.QueryRow("SELECT MIN(sort_index) FROM aliases WHERE is_logged_out = 0").Scan(&n)
	if n.Valid {
		return int(n.Int64)
	}
	return 0
}

// Batch is a set of alias mutations applied in one transaction, so a crash
// mid-pass never leaves a half-updated replica visible.
type Batch struct {
	Insert    []*types.EmailAlias
	Update    []*types.EmailAlias
	DeleteIDs []string
}

// Empty reports whether the batch contains no mutations.
func (b *Batch) Empty() bool {
	return len(b.Insert) == 0 && len(b.Update) == 0 && len(b.DeleteIDs) == 0
}

// ApplyBatch commits all mutations of a reconciliation pass atomically.
func (d *DB) ApplyBatch(b *Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	for _, id := range b.DeleteIDs {
		if _, err := tx.Exec("DELETE FROM aliases WHERE id = ?", id); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, a := range b.Update {
		if err := updateAlias(tx, a); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, a := range b.Insert {
		if err := insertAlias(tx, a); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertAlias(e execer, a *types.EmailAlias) error {
	if a.ID == "" {
		a.ID = GenID()
	}
	_, err := e.Exec(`
		INSERT INTO aliases
			(id, email_address, website, notes, created, cloudflare_tag,
			 is_enabled, sort_index, forward_to, zone_id, action_type,
			 is_logged_out, is_manually_created, mirror_disabled, user_identifier, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, types.NormalizeAddress(a.EmailAddress), nullStr(a.Website), nullStr(a.Notes),
		nullStr(a.Created), nullStr(a.CloudflareTag), boolInt(a.IsEnabled), a.SortIndex,
		nullStr(a.ForwardTo), a.ZoneID, a.ActionType, boolInt(a.IsLoggedOut),
		boolInt(a.IsManuallyCreated), boolInt(a.MirrorDisabled), nullStr(a.UserIdentifier), Now(),
	)
	return err
}

func updateAlias(e execer, a *types.EmailAlias) error {
	_, err := e.Exec(`
		UPDATE aliases SET
			email_address = ?, website = ?, notes = ?, created = ?, cloudflare_tag = ?,
			is_enabled = ?, sort_index = ?, forward_to = ?, zone_id = ?, action_type = ?,
			is_logged_out = ?, is_manually_created = ?, mirror_disabled = ?, user_identifier = ?
		WHERE id = ?`,
		types.NormalizeAddress(a.EmailAddress), nullStr(a.Website), nullStr(a.Notes),
		nullStr(a.Created), nullStr(a.CloudflareTag), boolInt(a.IsEnabled), a.SortIndex,
		nullStr(a.ForwardTo), a.ZoneID, a.ActionType, boolInt(a.IsLoggedOut),
		boolInt(a.IsManuallyCreated), boolInt(a.MirrorDisabled), nullStr(a.UserIdentifier), a.ID,
	)
	return err
}

func scanAliases(rows *sql.Rows) ([]*types.EmailAlias, error) {
	var result []*types.EmailAlias
	for rows.Next() {
		a := &types.EmailAlias{}
		var website, notes, created, tag, forwardTo, userID sql.NullString
		var enabled, loggedOut, manual, mirrorOff int
		if err := rows.Scan(
			&a.ID, &a.EmailAddress, &website, &notes, &created, &tag,
			&enabled, &a.SortIndex, &forwardTo, &a.ZoneID, &a.ActionType,
			&loggedOut, &manual, &mirrorOff, &userID,
		); err != nil {
			return nil, err
		}
		a.Website = website.String
		a.Notes = notes.String
		a.Created = created.String
		a.CloudflareTag = tag.String
		a.ForwardTo = forwardTo.String
		a.UserIdentifier = userID.String
		a.IsEnabled = enabled == 1
		a.IsLoggedOut = loggedOut == 1
		a.IsManuallyCreated = manual == 1
		a.MirrorDisabled = mirrorOff == 1
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- zone operations ---

// ListZones returns all registered zones without tokens attached.
func (d *DB) ListZones() ([]*types.Zone, error) {
	rows, err := d.conn.Query(`
		SELECT zone_id, account_id, account_name, domain_name, subdomains_enabled, subdomains
		FROM zones
		ORDER BY domain_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []*types.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// GetZone returns a zone by ID, or nil if absent.
func (d *DB) GetZone(zoneID string) (*types.Zone, error) {
	rows, err := d.conn.Query(`
		SELECT zone_id, account_id, account_name, domain_name, subdomains_enabled, subdomains
		FROM zones
		WHERE zone_id = ?`, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanZone(rows)
}

// InsertZone adds a zone row.
func (d *DB) InsertZone(z *types.Zone) error {
	_, err := d.conn.Exec(`
		INSERT INTO zones (zone_id, account_id, account_name, domain_name, subdomains_enabled, subdomains)
		VALUES (?, ?, ?, ?, ?, ?)`,
		z.ZoneID, z.AccountID, nullStr(z.AccountName), z.DomainName,
		boolInt(z.SubdomainsEnabled), nullStr(strings.Join(z.Subdomains, ",")),
	)
	return err
}

// UpdateZone rewrites a zone row.
func (d *DB) UpdateZone(z *types.Zone) error {
	_, err := d.conn.Exec(`
		UPDATE zones SET account_id = ?, account_name = ?, domain_name = ?,
			subdomains_enabled = ?, subdomains = ?
		WHERE zone_id = ?`,
		z.AccountID, nullStr(z.AccountName), z.DomainName,
		boolInt(z.SubdomainsEnabled), nullStr(strings.Join(z.Subdomains, ",")), z.ZoneID,
	)
	return err
}

// DeleteZone removes a zone row.
func (d *DB) DeleteZone(zoneID string) error {
	_, err := d.conn.Exec("DELETE FROM zones WHERE zone_id = ?", zoneID)
	return err
}

func scanZone(rows *sql.Rows) (*types.Zone, error) {
	z := &types.Zone{}
	var accountName, subdomains sql.NullString
	var subsEnabled int
	if err := rows.Scan(&z.ZoneID, &z.AccountID, &accountName, &z.DomainName, &subsEnabled, &subdomains); err != nil {
		return nil, err
	}
	z.AccountName = accountName.String
	z.SubdomainsEnabled = subsEnabled == 1
	if subdomains.String != "" {
		z.Subdomains = strings.Split(subdomains.String, ",")
	}
	return z, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
