// Package types defines core data structures for routedeck.
package types

import (
	"strings"
	"time"
)

// StatsTTL is how long a cached statistics snapshot stays fresh.
const StatsTTL = 24 * time.Hour

// Zone represents one configured Cloudflare zone (domain).
type Zone struct {
	AccountID         string   `json:"account_id"`
	ZoneID            string   `json:"zone_id"`
	APIToken          string   `json:"-"`
	AccountName       string   `json:"account_name,omitempty"`
	DomainName        string   `json:"domain_name"`
	SubdomainsEnabled bool     `json:"subdomains_enabled"`
	Subdomains        []string `json:"subdomains,omitempty"`
}

// Authenticated reports whether the zone has a usable token.
// A zone without a token is excluded from all write operations.
func (z *Zone) Authenticated() bool {
	return z != nil && z.APIToken != ""
}

// EmailRule is one routing rule as reported by the provider.
type EmailRule struct {
	EmailAddress string `json:"email_address"`
	ForwardTo    string `json:"forward_to"`
	IsEnabled    bool   `json:"is_enabled"`
	Tag          string `json:"tag"`
	ActionType   string `json:"action_type"`
	ZoneID       string `json:"zone_id"`
}

// EmailAlias is the durable local record merged from a remote rule
// plus user-entered metadata.
type EmailAlias struct {
	ID                string `json:"id"`
	EmailAddress      string `json:"email_address"`
	Website           string `json:"website,omitempty"`
	Notes             string `json:"notes,omitempty"`
	Created           string `json:"created,omitempty"`
	CloudflareTag     string `json:"cloudflare_tag,omitempty"`
	IsEnabled         bool   `json:"is_enabled"`
	SortIndex         int    `json:"sort_index"`
	ForwardTo         string `json:"forward_to,omitempty"`
	ZoneID            string `json:"zone_id"`
	ActionType        string `json:"action_type"`
	IsLoggedOut       bool   `json:"is_logged_out,omitempty"`
	IsManuallyCreated bool   `json:"is_manually_created,omitempty"`
	MirrorDisabled    bool   `json:"mirror_disabled,omitempty"`
	UserIdentifier    string `json:"user_identifier,omitempty"`
}

// EmailDetail is a single received-message record inside a statistic.
type EmailDetail struct {
	From   string `json:"from"`
	Date   string `json:"date"`
	Action string `json:"action"`
}

// EmailStatistic is an aggregated per-address analytics snapshot.
type EmailStatistic struct {
	EmailAddress  string        `json:"email_address"`
	Count         int           `json:"count"`
	ReceivedDates []string      `json:"received_dates,omitempty"`
	EmailDetails  []EmailDetail `json:"email_details,omitempty"`
}

// CachedStatistics wraps a statistics snapshot with its save time.
type CachedStatistics struct {
	Statistics []EmailStatistic `json:"statistics"`
	SavedAt    time.Time        `json:"saved_at"`
}

// IsStale reports whether the snapshot is older than StatsTTL.
func (c *CachedStatistics) IsStale(now time.Time) bool {
	return now.Sub(c.SavedAt) > StatsTTL
}

// CatchAll describes a zone's catch-all rule state.
type CatchAll struct {
	Enabled   bool     `json:"enabled"`
	Action    string   `json:"action,omitempty"`
	ForwardTo []string `json:"forward_to,omitempty"`
}

// Action type constants.
const (
	ActionForward = "forward"
	ActionDrop    = "drop"
	ActionReject  = "reject"
)

// ValidActions is the set of allowed rule action types.
var ValidActions = []string{ActionForward, ActionDrop, ActionReject}

// IsValidAction checks if an action type string is valid.
func IsValidAction(a string) bool {
	for _, v := range ValidActions {
		if v == a {
			return true
		}
	}
	return false
}

// SyncResult holds the result of reconciling a single zone.
type SyncResult struct {
	Zone    string `json:"zone"`
	Fetched int    `json:"fetched"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// SyncSummary holds the result of a full reconciliation pass.
type SyncSummary struct {
	Zones        []SyncResult `json:"zones"`
	Created      int          `json:"created"`
	Updated      int          `json:"updated"`
	Deleted      int          `json:"deleted"`
	TotalAliases int          `json:"total_aliases"`
}

// Failed returns the results of zones whose fetch failed.
func (s *SyncSummary) Failed() []SyncResult {
	var failed []SyncResult
	for _, z := range s.Zones {
		if z.Error != "" {
			failed = append(failed, z)
		}
	}
	return failed
}

// NormalizeAddress lowercases and trims an email address for comparison.
// Address matching is case-insensitive throughout.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// BaseAddress strips a plus-addressing tag (user+tag@domain -> user@domain).
// Used only for read-side lookups and statistics grouping, never for writes.
func BaseAddress(addr string) string {
	addr = NormalizeAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at:]
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}
	return local + domain
}
