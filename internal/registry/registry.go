// Package registry holds the list of configured zones and brokers their
// tokens through the secret store.
package registry

import (
	"errors"
	"fmt"

	"github.com/routedeck/routedeck/internal/db"
	"github.com/routedeck/routedeck/internal/secrets"
	"github.com/routedeck/routedeck/internal/types"
)

// ErrDuplicateZone is returned when adding a zone that is already registered.
var ErrDuplicateZone = errors.New("zone already registered")

// ErrZoneNotFound is returned for operations on an unregistered zone.
var ErrZoneNotFound = errors.New("zone not found")

// Registry is the unit of multi-tenancy: one entry per configured zone.
// It is mutated only by explicit user actions, never by reconciliation.
type Registry struct {
	store   *db.DB
	secrets secrets.Store
}

// New returns a Registry over the given database and secret store.
func New(store *db.DB, sec secrets.Store) *Registry {
	return &Registry{store: store, secrets: sec}
}

// AddZone registers a zone and stores its token in the secret store.
func (r *Registry) AddZone(z *types.Zone) error {
	existing, err := r.store.GetZone(z.ZoneID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateZone, z.ZoneID)
	}
	if err := r.store.InsertZone(z); err != nil {
		return err
	}
	if z.APIToken != "" {
		return r.secrets.Set(z.ZoneID, z.APIToken)
	}
	return nil
}

// UpdateZoneToken replaces a zone's token without touching other fields.
// Used by the re-auth flow.
func (r *Registry) UpdateZoneToken(zoneID, token string) error {
	z, err := r.store.GetZone(zoneID)
	if err != nil {
		return err
	}
	if z == nil {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, zoneID)
	}
	return r.secrets.Set(zoneID, token)
}

// UpdateZone rewrites a zone's metadata (not its token).
func (r *Registry) UpdateZone(z *types.Zone) error {
	return r.store.UpdateZone(z)
}

// RemoveZone deletes the zone and its token. The caller is responsible for
// marking the zone's local aliases logged out.
func (r *Registry) RemoveZone(zoneID string) error {
	z, err := r.store.GetZone(zoneID)
	if err != nil {
		return err
	}
	if z == nil {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, zoneID)
	}
	if err := r.store.DeleteZone(zoneID); err != nil {
		return err
	}
	return r.secrets.Delete(zoneID)
}

// Zones returns all registered zones with tokens resolved from the secret
// store. A zone whose token is missing comes back unauthenticated.
func (r *Registry) Zones() ([]*types.Zone, error) {
	zones, err := r.store.ListZones()
	if err != nil {
		return nil, err
	}
	for _, z := range zones {
		token, err := r.secrets.Get(z.ZoneID)
		if err != nil {
			return nil, err
		}
		z.APIToken = token
	}
	return zones, nil
}

// Zone returns one zone with its token resolved, or ErrZoneNotFound.
func (r *Registry) Zone(zoneID string) (*types.Zone, error) {
	z, err := r.store.GetZone(zoneID)
	if err != nil {
		return nil, err
	}
	if z == nil {
		return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, zoneID)
	}
	token, err := r.secrets.Get(z.ZoneID)
	if err != nil {
		return nil, err
	}
	z.APIToken = token
	return z, nil
}

// AuthenticatedZones returns zones that currently hold a token.
func (r *Registry) AuthenticatedZones() ([]*types.Zone, error) {
	zones, err := r.Zones()
	if err != nil {
		return nil, err
	}
	var authed []*types.Zone
	for _, z := range zones {
		if z.Authenticated() {
			authed = append(authed, z)
		}
	}
	return authed, nil
}

// ZonesNeedingReauth returns zones with no stored token, e.g. after a
// cross-device restore that carried zone metadata but not secrets.
func (r *Registry) ZonesNeedingReauth() ([]*types.Zone, error) {
	zones, err := r.Zones()
	if err != nil {
		return nil, err
	}
	var stale []*types.Zone
	for _, z := range zones {
		if !z.Authenticated() {
			stale = append(stale, z)
		}
	}
	return stale, nil
}
