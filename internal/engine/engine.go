// Package engine reconciles the remote routing rule set against the local
// alias replica across all configured zones.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/routedeck/routedeck/internal/db"
	"github.com/routedeck/routedeck/internal/notify"
	"github.com/routedeck/routedeck/internal/registry"
	"github.com/routedeck/routedeck/internal/types"
)

// ErrSyncInFlight is returned when a reconciliation pass is already running.
// Triggers arriving while a pass is in flight coalesce into it.
var ErrSyncInFlight = errors.New("sync already in flight")

// ErrSyncFailed is returned when every zone's fetch failed and the replica
// was left untouched.
var ErrSyncFailed = errors.New("sync failed for all zones")

// ErrForwardNotVerified is returned when a chosen forwarding address is not
// in the zone's verified destination set.
var ErrForwardNotVerified = errors.New("forwarding address not verified")

// ErrAliasExists is returned when creating an alias whose address is already
// present locally.
var ErrAliasExists = errors.New("alias already exists")

// Gateway is the remote API surface the engine needs.
type Gateway interface {
	ListRules(ctx context.Context, zone *types.Zone) ([]types.EmailRule, error)
	CreateRule(ctx context.Context, zone *types.Zone, emailAddress, forwardTo, actionType string) (types.EmailRule, error)
	UpdateRule(ctx context.Context, zone *types.Zone, tag, emailAddress string, isEnabled bool, forwardTo, actionType string) error
	DeleteRule(ctx context.Context, zone *types.Zone, tag string) error
	ListForwardingAddresses(ctx context.Context, zone *types.Zone) (map[string]bool, error)
}

// Logger receives warning and progress lines from the engine.
type Logger interface {
	Printf(format string, args ...any)
}

// Options configure an Engine.
type Options struct {
	// UserID stamps newly mirrored aliases for cross-device ownership
	// attribution in the mirrored store.
	UserID string
	Logger Logger
}

// Engine owns the fetch-diff-merge-commit cycle. Mutations to the replica
// are serialized here; per-zone fetches fan out concurrently.
type Engine struct {
	gateway  Gateway
	store    *db.DB
	registry *registry.Registry
	notifier *notify.Notifier
	userID   string
	logger   Logger
	inFlight atomic.Bool
}

// New returns an Engine over the given gateway, replica store and registry.
func New(gateway Gateway, store *db.DB, reg *registry.Registry, opts Options) *Engine {
	return &Engine{
		gateway:  gateway,
		store:    store,
		registry: reg,
		notifier: &notify.Notifier{},
		userID:   opts.UserID,
		logger:   opts.Logger,
	}
}

// Notifier returns the engine's change notifier.
func (e *Engine) Notifier() *notify.Notifier {
	return e.notifier
}

type zoneFetch struct {
	zone  *types.Zone
	rules []types.EmailRule
	err   error
}

// Sync runs one reconciliation pass across all authenticated zones.
//
// A pass already in flight makes this call a no-op returning
// ErrSyncInFlight. Failure of one zone's fetch never blocks the others;
// per-zone errors are reported in the summary. Only when every zone fails
// is ErrSyncFailed returned, with the replica untouched.
func (e *Engine) Sync(ctx context.Context) (*types.SyncSummary, error) {
	return e.sync(ctx, "")
}

// SyncZone runs a pass restricted to one zone. Deletions only ever apply to
// queried zones, so the other zones' aliases are untouched.
func (e *Engine) SyncZone(ctx context.Context, zoneID string) (*types.SyncSummary, error) {
	return e.sync(ctx, zoneID)
}

func (e *Engine) sync(ctx context.Context, onlyZone string) (*types.SyncSummary, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	defer e.inFlight.Store(false)

	zones, err := e.registry.AuthenticatedZones()
	if err != nil {
		return nil, err
	}
	if onlyZone != "" {
		filtered := zones[:0]
		for _, z := range zones {
			if z.ZoneID == onlyZone {
				filtered = append(filtered, z)
			}
		}
		zones = filtered
		if len(zones) == 0 {
			return nil, fmt.Errorf("%w: %s", registry.ErrZoneNotFound, onlyZone)
		}
	}
	summary := &types.SyncSummary{}
	if len(zones) == 0 {
		summary.TotalAliases = e.store.AliasCount()
		return summary, nil
	}

	// Fan out: each zone's fetch is independent.
	fetches := make([]zoneFetch, len(zones))
	var wg sync.WaitGroup
	for i, zone := range zones {
		wg.Add(1)
		go func(i int, zone *types.Zone) {
			defer wg.Done()
			rules, err := e.gateway.ListRules(ctx, zone)
			fetches[i] = zoneFetch{zone: zone, rules: rules, err: err}
		}(i, zone)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Cancellation is not a failure; nothing was written.
		return summary, ctx.Err()
	}

	results := make(map[string]*types.SyncResult, len(zones))
	queried := map[string]bool{}
	failures := 0
	for _, f := range fetches {
		res := &types.SyncResult{Zone: f.zone.DomainName}
		results[f.zone.ZoneID] = res
		if f.err != nil {
			res.Error = f.err.Error()
			failures++
			continue
		}
		res.Fetched = len(f.rules)
		queried[f.zone.ZoneID] = true
	}

	if failures == len(zones) {
		for _, f := range fetches {
			summary.Zones = append(summary.Zones, *results[f.zone.ZoneID])
		}
		summary.TotalAliases = e.store.AliasCount()
		return summary, fmt.Errorf("%w: %s", ErrSyncFailed, fetches[0].err)
	}

	batch, err := e.merge(fetches, queried, results)
	if err != nil {
		return nil, err
	}
	if err := e.store.ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("commit pass: %w", err)
	}
	if !batch.Empty() {
		e.notifier.Notify()
	}

	for _, f := range fetches {
		res := results[f.zone.ZoneID]
		summary.Zones = append(summary.Zones, *res)
		summary.Created += res.Created
		summary.Updated += res.Updated
		summary.Deleted += res.Deleted
	}
	summary.TotalAliases = e.store.AliasCount()
	return summary, nil
}

// merge computes the mutation batch for one pass. Remote listing order is
// authoritative for sort indices; user-entered metadata is never touched.
func (e *Engine) merge(fetches []zoneFetch, queried map[string]bool, results map[string]*types.SyncResult) (*db.Batch, error) {
	locals, err := e.store.ListAliases()
	if err != nil {
		return nil, err
	}

	// Address -> local alias. Duplicate groups (possible after mirrored-store
	// races) resolve to the member with the latest created date; ties keep
	// the first encountered.
	byAddress := map[string]*types.EmailAlias{}
	for _, a := range locals {
		addr := types.NormalizeAddress(a.EmailAddress)
		if prev, ok := byAddress[addr]; ok {
			if a.Created > prev.Created {
				byAddress[addr] = a
			}
			continue
		}
		byAddress[addr] = a
	}

	batch := &db.Batch{}

	// Dedupe remote rules by address, first encountered wins, and assign
	// 1-based per-zone positions over the deduplicated list.
	remoteSeen := map[string]bool{}
	for _, f := range fetches {
		if f.err != nil {
			continue
		}
		res := results[f.zone.ZoneID]
		position := 0
		for _, rule := range f.rules {
			addr := types.NormalizeAddress(rule.EmailAddress)
			if addr == "" {
				continue
			}
			if remoteSeen[addr] {
				e.logf("warning: duplicate remote rule for %s (tag %s), keeping first", addr, rule.Tag)
				continue
			}
			remoteSeen[addr] = true
			position++

			if existing, ok := byAddress[addr]; ok {
				if updated, changed := mergeRemote(existing, rule, position); changed {
					batch.Update = append(batch.Update, updated)
					res.Updated++
				}
				continue
			}
			batch.Insert = append(batch.Insert, &types.EmailAlias{
				ID:           db.GenID(),
				EmailAddress: addr,
				// Created stays empty: distinguishes provider-originated
				// entries from user-created ones.
				CloudflareTag:  rule.Tag,
				IsEnabled:      rule.IsEnabled,
				SortIndex:      position,
				ForwardTo:      rule.ForwardTo,
				ZoneID:         rule.ZoneID,
				ActionType:     rule.ActionType,
				UserIdentifier: e.userID,
			})
			res.Created++
		}
	}

	// Deletions: local aliases absent from the deduplicated remote set,
	// only for zones actually queried this pass.
	for _, a := range locals {
		if !queried[a.ZoneID] {
			continue
		}
		if remoteSeen[types.NormalizeAddress(a.EmailAddress)] {
			continue
		}
		batch.DeleteIDs = append(batch.DeleteIDs, a.ID)
		if res, ok := results[a.ZoneID]; ok {
			res.Deleted++
		}
	}

	return batch, nil
}

// mergeRemote copies remote-origin fields onto a local alias. Website and
// notes are user-entered and never overwritten. Returns a copy and whether
// anything changed; unchanged aliases skip the store entirely to avoid
// needless mirror traffic.
func mergeRemote(local *types.EmailAlias, rule types.EmailRule, sortIndex int) (*types.EmailAlias, bool) {
	if local.CloudflareTag == rule.Tag &&
		local.IsEnabled == rule.IsEnabled &&
		local.ForwardTo == rule.ForwardTo &&
		local.ActionType == rule.ActionType &&
		local.ZoneID == rule.ZoneID &&
		local.SortIndex == sortIndex {
		return nil, false
	}
	updated := *local
	updated.CloudflareTag = rule.Tag
	updated.IsEnabled = rule.IsEnabled
	updated.ForwardTo = rule.ForwardTo
	updated.ActionType = rule.ActionType
	updated.ZoneID = rule.ZoneID
	updated.SortIndex = sortIndex
	return &updated, true
}

// DedupeLocal removes duplicate non-logged-out aliases for the same
// normalized address, keeping the one with the latest created date per
// group (ties keep the earliest inserted). Returns the number deleted.
//
// The mirrored-store replication layer can produce duplicates under rare
// races that a reconciliation pass alone never cleans up.
func (e *Engine) DedupeLocal() (int, error) {
	all, err := e.store.ListAllAliases()
	if err != nil {
		return 0, err
	}
	keep := map[string]*types.EmailAlias{}
	var doomed []string
	for _, a := range all {
		if a.IsLoggedOut {
			continue
		}
		addr := types.NormalizeAddress(a.EmailAddress)
		prev, ok := keep[addr]
		if !ok {
			keep[addr] = a
			continue
		}
		if a.Created > prev.Created {
			doomed = append(doomed, prev.ID)
			keep[addr] = a
		} else {
			doomed = append(doomed, a.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := e.store.ApplyBatch(&db.Batch{DeleteIDs: doomed}); err != nil {
		return 0, err
	}
	e.notifier.Notify()
	return len(doomed), nil
}

// CreateAlias creates a routing rule and its local alias. Remote creation is
// not idempotent, so existing remote rules are checked first and reused. The
// new alias sorts before everything else until the next pass assigns its
// real position.
func (e *Engine) CreateAlias(ctx context.Context, zone *types.Zone, address, forwardTo, actionType, website, notes string) (*types.EmailAlias, error) {
	if !types.IsValidAction(actionType) {
		return nil, fmt.Errorf("invalid action type %q", actionType)
	}
	address = types.NormalizeAddress(address)

	if existing, err := e.store.AliasByAddress(address); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAliasExists, address)
	}

	if actionType == types.ActionForward {
		verified, err := e.gateway.ListForwardingAddresses(ctx, zone)
		if err != nil {
			return nil, err
		}
		if !verified[types.NormalizeAddress(forwardTo)] {
			return nil, fmt.Errorf("%w: %s", ErrForwardNotVerified, forwardTo)
		}
	}

	rules, err := e.gateway.ListRules(ctx, zone)
	if err != nil {
		return nil, err
	}
	var rule types.EmailRule
	found := false
	for _, r := range rules {
		if types.NormalizeAddress(r.EmailAddress) == address {
			rule = r
			found = true
			break
		}
	}
	if !found {
		rule, err = e.gateway.CreateRule(ctx, zone, address, forwardTo, actionType)
		if err != nil {
			return nil, err
		}
	}

	alias := &types.EmailAlias{
		ID:                db.GenID(),
		EmailAddress:      address,
		Website:           website,
		Notes:             notes,
		Created:           db.Now(),
		CloudflareTag:     rule.Tag,
		IsEnabled:         rule.IsEnabled,
		SortIndex:         e.store.MinSortIndex() - 1,
		ForwardTo:         rule.ForwardTo,
		ZoneID:            zone.ZoneID,
		ActionType:        rule.ActionType,
		IsManuallyCreated: true,
		UserIdentifier:    e.userID,
	}
	if err := e.store.InsertAlias(alias); err != nil {
		return nil, err
	}
	e.notifier.Notify()
	return alias, nil
}

// UpdateAlias pushes the alias's current rule fields to the remote, then
// persists locally. All rule fields are resent; the provider has no partial
// patch.
func (e *Engine) UpdateAlias(ctx context.Context, zone *types.Zone, alias *types.EmailAlias) error {
	if err := e.gateway.UpdateRule(ctx, zone, alias.CloudflareTag, alias.EmailAddress, alias.IsEnabled, alias.ForwardTo, alias.ActionType); err != nil {
		return err
	}
	if err := e.store.UpdateAlias(alias); err != nil {
		return err
	}
	e.notifier.Notify()
	return nil
}

// SetAliasMetadata updates the user-entered website/notes fields only.
// No remote call; metadata never leaves the replica.
func (e *Engine) SetAliasMetadata(id, website, notes string) error {
	alias, err := e.store.AliasByID(id)
	if err != nil {
		return err
	}
	if alias == nil {
		return fmt.Errorf("alias %q not found", id)
	}
	alias.Website = website
	alias.Notes = notes
	if err := e.store.UpdateAlias(alias); err != nil {
		return err
	}
	e.notifier.Notify()
	return nil
}

// DeleteAlias deletes the remote rule (tolerating one already gone) and the
// local alias.
func (e *Engine) DeleteAlias(ctx context.Context, zone *types.Zone, alias *types.EmailAlias) error {
	if alias.CloudflareTag != "" {
		if err := e.gateway.DeleteRule(ctx, zone, alias.CloudflareTag); err != nil {
			return err
		}
	}
	if err := e.store.DeleteAlias(alias.ID); err != nil {
		return err
	}
	e.notifier.Notify()
	return nil
}

// RemoveZoneAndLogout removes a zone from the registry and soft-deletes its
// aliases locally. The remote rules are left in place.
func (e *Engine) RemoveZoneAndLogout(zoneID string) error {
	if err := e.registry.RemoveZone(zoneID); err != nil {
		return err
	}
	if err := e.store.MarkZoneLoggedOut(zoneID); err != nil {
		return err
	}
	e.notifier.Notify()
	return nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
