package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/routedeck/routedeck/internal/db"
	"github.com/routedeck/routedeck/internal/registry"
	"github.com/routedeck/routedeck/internal/types"
)

type memSecrets struct {
	m map[string]string
}

func (s *memSecrets) Get(key string) (string, error) { return s.m[key], nil }

func (s *memSecrets) Set(key, value string) error {
	s.m[key] = value
	return nil
}

func (s *memSecrets) Delete(key string) error {
	delete(s.m, key)
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	rules    map[string][]types.EmailRule
	verified map[string]bool
	listErr  map[string]error
	nextTag  int
	created  []types.EmailRule
	deleted  []string
	calls    int

	// listEntered/listGate let tests hold a ListRules call open.
	listEntered chan struct{}
	listGate    chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		rules:    map[string][]types.EmailRule{},
		verified: map[string]bool{},
		listErr:  map[string]error{},
	}
}

func (f *fakeGateway) setRules(zoneID string, addrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rules []types.EmailRule
	for _, a := range addrs {
		f.nextTag++
		rules = append(rules, types.EmailRule{
			EmailAddress: a,
			ForwardTo:    "inbox@example.com",
			IsEnabled:    true,
			Tag:          fmt.Sprintf("tag-%d", f.nextTag),
			ActionType:   types.ActionForward,
			ZoneID:       zoneID,
		})
	}
	f.rules[zoneID] = rules
}

func (f *fakeGateway) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGateway) ListRules(ctx context.Context, zone *types.Zone) ([]types.EmailRule, error) {
	f.mu.Lock()
	f.calls++
	err := f.listErr[zone.ZoneID]
	rules := append([]types.EmailRule(nil), f.rules[zone.ZoneID]...)
	entered, gate := f.listEntered, f.listGate
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (f *fakeGateway) CreateRule(ctx context.Context, zone *types.Zone, emailAddress, forwardTo, actionType string) (types.EmailRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTag++
	rule := types.EmailRule{
		EmailAddress: emailAddress,
		ForwardTo:    forwardTo,
		IsEnabled:    true,
		Tag:          fmt.Sprintf("tag-%d", f.nextTag),
		ActionType:   actionType,
		ZoneID:       zone.ZoneID,
	}
	f.rules[zone.ZoneID] = append(f.rules[zone.ZoneID], rule)
	f.created = append(f.created, rule)
	return rule, nil
}

func (f *fakeGateway) UpdateRule(ctx context.Context, zone *types.Zone, tag, emailAddress string, isEnabled bool, forwardTo, actionType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.rules[zone.ZoneID]
	for i := range rules {
		if rules[i].Tag == tag {
			rules[i].IsEnabled = isEnabled
			rules[i].ForwardTo = forwardTo
			rules[i].ActionType = actionType
			return nil
		}
	}
	return errors.New("rule not found")
}

func (f *fakeGateway) DeleteRule(ctx context.Context, zone *types.Zone, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, tag)
	rules := f.rules[zone.ZoneID]
	for i := range rules {
		if rules[i].Tag == tag {
			f.rules[zone.ZoneID] = append(rules[:i:i], rules[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeGateway) ListForwardingAddresses(ctx context.Context, zone *types.Zone) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for k, v := range f.verified {
		out[k] = v
	}
	return out, nil
}

func testZone(id, domain string) *types.Zone {
	return &types.Zone{
		ZoneID:     id,
		AccountID:  "acct-" + id,
		DomainName: domain,
		APIToken:   "token-" + id,
	}
}

func newTestEngine(t *testing.T, gw *fakeGateway, zones ...*types.Zone) (*Engine, *db.DB) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "routedeck.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store, &memSecrets{m: map[string]string{}})
	for _, z := range zones {
		if err := reg.AddZone(z); err != nil {
			t.Fatalf("add zone %s failed: %v", z.ZoneID, err)
		}
	}
	return New(gw, store, reg, Options{UserID: "tester"}), store
}

func TestSyncMirrorsRemoteRulesInOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com", "b@x.com", "c@x.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	summary, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if summary.Created != 3 || summary.Updated != 0 || summary.Deleted != 0 {
		t.Fatalf("expected 3 creates, got %+v", summary)
	}

	aliases, err := store.ListAliases()
	if err != nil {
		t.Fatalf("list aliases failed: %v", err)
	}
	if len(aliases) != 3 {
		t.Fatalf("expected 3 aliases, got %d", len(aliases))
	}
	want := []string{"a@x.com", "b@x.com", "c@x.com"}
	for i, a := range aliases {
		if a.EmailAddress != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], a.EmailAddress)
		}
		if a.SortIndex != i+1 {
			t.Fatalf("%s: expected sort index %d, got %d", a.EmailAddress, i+1, a.SortIndex)
		}
		if a.Created != "" {
			t.Fatalf("%s: mirrored alias should have no created date, got %q", a.EmailAddress, a.Created)
		}
		if a.UserIdentifier != "tester" {
			t.Fatalf("%s: expected user identifier stamped, got %q", a.EmailAddress, a.UserIdentifier)
		}
	}
}

func TestSyncSecondPassMakesNoChanges(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com", "b@x.com")
	eng, _ := newTestEngine(t, gw, testZone("z1", "x.com"))

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	summary, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if summary.Created != 0 || summary.Updated != 0 || summary.Deleted != 0 {
		t.Fatalf("second pass should be a no-op, got %+v", summary)
	}
}

func TestSyncDeduplicatesRemoteRules(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com", "b@x.com")
	gw.mu.Lock()
	dup := gw.rules["z1"][0]
	dup.Tag = "tag-dup"
	gw.rules["z1"] = append(gw.rules["z1"], dup)
	gw.mu.Unlock()
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	summary, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if summary.Created != 2 {
		t.Fatalf("expected 2 creates after dedupe, got %d", summary.Created)
	}

	aliases, _ := store.ListAliases()
	if len(aliases) != 2 {
		t.Fatalf("expected 2 aliases, got %d", len(aliases))
	}
	// First occurrence wins, positions cover the deduplicated list.
	if aliases[0].CloudflareTag == "tag-dup" {
		t.Fatalf("duplicate rule should lose to the first occurrence")
	}
	if aliases[0].SortIndex != 1 || aliases[1].SortIndex != 2 {
		t.Fatalf("expected contiguous sort indices, got %d and %d", aliases[0].SortIndex, aliases[1].SortIndex)
	}
}

func TestSyncPreservesUserMetadata(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	alias, _ := store.AliasByAddress("a@x.com")
	if err := eng.SetAliasMetadata(alias.ID, "shop.example", "signup alias"); err != nil {
		t.Fatalf("set metadata failed: %v", err)
	}

	gw.mu.Lock()
	gw.rules["z1"][0].IsEnabled = false
	gw.mu.Unlock()

	summary, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if summary.Updated != 1 {
		t.Fatalf("expected 1 update, got %d", summary.Updated)
	}

	alias, _ = store.AliasByAddress("a@x.com")
	if alias.IsEnabled {
		t.Fatalf("expected remote disable to propagate")
	}
	if alias.Website != "shop.example" || alias.Notes != "signup alias" {
		t.Fatalf("expected metadata preserved, got website=%q notes=%q", alias.Website, alias.Notes)
	}
}

func TestSyncDeletesAliasesRemovedRemotely(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}

	gw.setRules("z1", "b@x.com")
	summary, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if summary.Created != 1 || summary.Deleted != 1 {
		t.Fatalf("expected one create and one delete, got %+v", summary)
	}

	aliases, _ := store.ListAliases()
	if len(aliases) != 1 || aliases[0].EmailAddress != "b@x.com" {
		t.Fatalf("expected only b@x.com to remain, got %v", aliases)
	}
}

func TestSyncIsolatesZoneFailures(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	gw.setRules("z2", "a@y.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"), testZone("z2", "y.com"))

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	// Zone 2 goes dark; zone 1 drops its rule. Only zone 1 may see deletes.
	gw.mu.Lock()
	gw.listErr["z2"] = errors.New("connection refused")
	gw.rules["z1"] = nil
	gw.mu.Unlock()

	summary, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("partial sync should not fail: %v", err)
	}
	failed := summary.Failed()
	if len(failed) != 1 || failed[0].Zone != "y.com" {
		t.Fatalf("expected y.com reported failed, got %v", failed)
	}

	aliases, _ := store.ListAliases()
	if len(aliases) != 1 || aliases[0].EmailAddress != "a@y.com" {
		t.Fatalf("failed zone's aliases must survive, got %v", aliases)
	}
}

func TestSyncAllZonesFailedLeavesReplicaIntact(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	gw.mu.Lock()
	gw.listErr["z1"] = errors.New("timeout")
	gw.mu.Unlock()

	summary, err := eng.Sync(context.Background())
	if !errors.Is(err, ErrSyncFailed) {
		t.Fatalf("expected ErrSyncFailed, got %v", err)
	}
	if summary == nil || summary.TotalAliases != 1 {
		t.Fatalf("expected replica untouched, got %+v", summary)
	}
	if n := store.AliasCount(); n != 1 {
		t.Fatalf("expected 1 alias retained, got %d", n)
	}
}

func TestSyncCoalescesConcurrentCalls(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	gw.listEntered = make(chan struct{})
	gw.listGate = make(chan struct{})
	eng, _ := newTestEngine(t, gw, testZone("z1", "x.com"))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Sync(context.Background())
		done <- err
	}()
	<-gw.listEntered

	if _, err := eng.Sync(context.Background()); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("expected ErrSyncInFlight, got %v", err)
	}

	close(gw.listGate)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
}

func TestSyncSkipsUnauthenticatedZones(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	gw.setRules("z2", "a@y.com")
	tokenless := testZone("z2", "y.com")
	tokenless.APIToken = ""
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"), tokenless)

	summary, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(summary.Zones) != 1 || summary.Zones[0].Zone != "x.com" {
		t.Fatalf("expected only the authenticated zone, got %v", summary.Zones)
	}
	aliases, _ := store.ListAliases()
	if len(aliases) != 1 || aliases[0].ZoneID != "z1" {
		t.Fatalf("tokenless zone must not be mirrored, got %v", aliases)
	}
}

func TestSyncZoneScopesDeletions(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	gw.setRules("z2", "a@y.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"), testZone("z2", "y.com"))
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	// Both zones drop their rules remotely; a z1-only pass must not touch z2.
	gw.setRules("z1")
	gw.setRules("z2")
	summary, err := eng.SyncZone(context.Background(), "z1")
	if err != nil {
		t.Fatalf("zone sync failed: %v", err)
	}
	if len(summary.Zones) != 1 || summary.Deleted != 1 {
		t.Fatalf("expected one zone with one delete, got %+v", summary)
	}

	aliases, _ := store.ListAliases()
	if len(aliases) != 1 || aliases[0].ZoneID != "z2" {
		t.Fatalf("unqueried zone's aliases must survive, got %v", aliases)
	}

	if _, err := eng.SyncZone(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for unknown zone")
	}
}

func TestDedupeLocalKeepsLatestCreated(t *testing.T) {
	gw := newFakeGateway()
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	older := &types.EmailAlias{
		ID: "dup-old", EmailAddress: "a@x.com", Created: "2024-01-01T00:00:00Z",
		ZoneID: "z1", ActionType: types.ActionForward,
	}
	newer := &types.EmailAlias{
		ID: "dup-new", EmailAddress: "a@x.com", Created: "2024-01-05T00:00:00Z",
		ZoneID: "z1", ActionType: types.ActionForward,
	}
	loggedOut := &types.EmailAlias{
		ID: "dup-out", EmailAddress: "a@x.com", Created: "2024-01-09T00:00:00Z",
		ZoneID: "z1", ActionType: types.ActionForward, IsLoggedOut: true,
	}
	for _, a := range []*types.EmailAlias{older, newer, loggedOut} {
		if err := store.InsertAlias(a); err != nil {
			t.Fatalf("insert %s failed: %v", a.ID, err)
		}
	}

	removed, err := eng.DedupeLocal()
	if err != nil {
		t.Fatalf("dedupe failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	kept, _ := store.AliasByAddress("a@x.com")
	if kept == nil || kept.ID != "dup-new" {
		t.Fatalf("expected dup-new to survive, got %+v", kept)
	}
	if gone, _ := store.AliasByID("dup-out"); gone == nil {
		t.Fatalf("logged-out duplicates must not be touched")
	}
}

func TestCreateAliasRejectsUnverifiedForward(t *testing.T) {
	gw := newFakeGateway()
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	_, err := eng.CreateAlias(context.Background(), testZone("z1", "x.com"),
		"a@x.com", "nobody@example.com", types.ActionForward, "", "")
	if !errors.Is(err, ErrForwardNotVerified) {
		t.Fatalf("expected ErrForwardNotVerified, got %v", err)
	}
	if len(gw.created) != 0 {
		t.Fatalf("no remote rule may be created: %v", gw.created)
	}
	if n := store.AliasCount(); n != 0 {
		t.Fatalf("no local alias may be created, found %d", n)
	}
}

func TestCreateAliasReusesExistingRemoteRule(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	gw.verified["inbox@example.com"] = true
	eng, _ := newTestEngine(t, gw, testZone("z1", "x.com"))

	alias, err := eng.CreateAlias(context.Background(), testZone("z1", "x.com"),
		"A@x.com", "inbox@example.com", types.ActionForward, "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(gw.created) != 0 {
		t.Fatalf("expected no remote create when the rule already exists")
	}
	if alias.CloudflareTag != gw.rules["z1"][0].Tag {
		t.Fatalf("expected existing tag reused, got %q", alias.CloudflareTag)
	}
	if alias.EmailAddress != "a@x.com" {
		t.Fatalf("expected normalized address, got %q", alias.EmailAddress)
	}
}

func TestCreateAliasThenSyncDoesNotDuplicate(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	gw.verified["inbox@example.com"] = true
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}
	alias, err := eng.CreateAlias(context.Background(), testZone("z1", "x.com"),
		"b@x.com", "inbox@example.com", types.ActionForward, "news.example", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !alias.IsManuallyCreated || alias.Created == "" {
		t.Fatalf("manual alias must carry created date and flag, got %+v", alias)
	}

	// Fresh locals sort before everything until a pass assigns a position.
	aliases, _ := store.ListAliases()
	if aliases[0].EmailAddress != "b@x.com" {
		t.Fatalf("expected new alias first, got %s", aliases[0].EmailAddress)
	}

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	aliases, _ = store.ListAliases()
	if len(aliases) != 2 {
		t.Fatalf("expected 2 aliases after resync, got %d", len(aliases))
	}
	merged, _ := store.AliasByAddress("b@x.com")
	if merged.Website != "news.example" || !merged.IsManuallyCreated || merged.Created == "" {
		t.Fatalf("resync must not strip local fields, got %+v", merged)
	}
	if merged.SortIndex != 2 {
		t.Fatalf("expected remote position 2 after resync, got %d", merged.SortIndex)
	}
}

func TestCreateAliasRejectsExistingLocal(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	eng, _ := newTestEngine(t, gw, testZone("z1", "x.com"))
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	_, err := eng.CreateAlias(context.Background(), testZone("z1", "x.com"),
		"a@x.com", "", types.ActionDrop, "", "")
	if !errors.Is(err, ErrAliasExists) {
		t.Fatalf("expected ErrAliasExists, got %v", err)
	}
}

func TestDeleteAliasToleratesMissingRemote(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"))
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	alias, _ := store.AliasByAddress("a@x.com")
	gw.setRules("z1") // rule already gone remotely
	if err := eng.DeleteAlias(context.Background(), testZone("z1", "x.com"), alias); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n := store.AliasCount(); n != 0 {
		t.Fatalf("expected alias removed, found %d", n)
	}
}

func TestRemoveZoneAndLogoutSoftDeletes(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	gw.setRules("z2", "a@y.com")
	eng, store := newTestEngine(t, gw, testZone("z1", "x.com"), testZone("z2", "y.com"))
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	if err := eng.RemoveZoneAndLogout("z2"); err != nil {
		t.Fatalf("remove zone failed: %v", err)
	}

	visible, _ := store.ListAliases()
	if len(visible) != 1 || visible[0].ZoneID != "z1" {
		t.Fatalf("expected only z1 aliases visible, got %v", visible)
	}
	all, _ := store.ListAllAliases()
	if len(all) != 2 {
		t.Fatalf("logged-out rows must be retained, got %d", len(all))
	}
	for _, a := range all {
		if a.ZoneID == "z2" && !a.IsLoggedOut {
			t.Fatalf("z2 alias should be marked logged out")
		}
	}

	// The next pass must not resurrect or delete the logged-out rows.
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("post-removal sync failed: %v", err)
	}
	all, _ = store.ListAllAliases()
	if len(all) != 2 {
		t.Fatalf("expected logged-out rows preserved across sync, got %d", len(all))
	}
}

func TestSyncNotifiesOnChange(t *testing.T) {
	gw := newFakeGateway()
	gw.setRules("z1", "a@x.com")
	eng, _ := newTestEngine(t, gw, testZone("z1", "x.com"))
	updates := eng.Notifier().Subscribe()

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	select {
	case <-updates:
	default:
		t.Fatalf("expected a change notification after first sync")
	}

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	select {
	case <-updates:
		t.Fatalf("no-op pass must not notify")
	default:
	}
}
