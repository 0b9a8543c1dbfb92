// Package catalog serves immutable browse snapshots of the catalogue
// hierarchy (city, district, product type).
//
// Readers hold one snapshot for the duration of a request; admin
// mutations rebuild a fresh snapshot and swap it in atomically. Nothing
// is ever mutated in place.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rvasily/streetmarket/internal/storage"
)

// Snapshot is one immutable view of the catalogue hierarchy.
type Snapshot struct {
	Cities    []string
	Districts map[string][]string // city -> districts
	Types     map[string][]string // city + "\x00" + district -> product types
}

// DistrictsOf returns the districts of a city.
func (s *Snapshot) DistrictsOf(city string) []string {
	return s.Districts[city]
}

// TypesOf returns the product types offered in a district.
func (s *Snapshot) TypesOf(city, district string) []string {
	return s.Types[typeKey(city, district)]
}

func typeKey(city, district string) string {
	return city + "\x00" + district
}

// Service rebuilds and serves catalogue snapshots.
type Service struct {
	store   storage.Store
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// New creates a catalogue service with an empty initial snapshot.
func New(store storage.Store, logger *slog.Logger) *Service {
	s := &Service{store: store, logger: logger}
	s.current.Store(&Snapshot{
		Districts: map[string][]string{},
		Types:     map[string][]string{},
	})
	return s
}

// Current returns the live snapshot. Never nil.
func (s *Service) Current() *Snapshot {
	return s.current.Load()
}

// Refresh rebuilds the snapshot from the store and swaps it in. Call
// after any administrative mutation that changes the hierarchy.
func (s *Service) Refresh(ctx context.Context) error {
	cities, err := s.store.DistinctCities(ctx)
	if err != nil {
		return fmt.Errorf("list cities: %w", err)
	}

	snap := &Snapshot{
		Cities:    cities,
		Districts: make(map[string][]string, len(cities)),
		Types:     make(map[string][]string),
	}
	for _, city := range cities {
		districts, err := s.store.DistinctDistricts(ctx, city)
		if err != nil {
			return fmt.Errorf("list districts of %q: %w", city, err)
		}
		snap.Districts[city] = districts
		for _, district := range districts {
			types, err := s.store.DistinctProductTypes(ctx, city, district)
			if err != nil {
				return fmt.Errorf("list types of %q/%q: %w", city, district, err)
			}
			snap.Types[typeKey(city, district)] = types
		}
	}

	s.current.Store(snap)
	s.logger.Debug("catalogue snapshot rebuilt", "cities", len(cities))
	return nil
}
