package dhcpserver

import (
	"encoding/hex"
	"net"
	"path/filepath"
	"time"

	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
	"github.com/homeroute/homeroute/internal/store"
)

// Lease is one allocated IA_NA address, keyed by hex-encoded client
// DUID.
type Lease struct {
	DUID           string    `json:"duid"`
	IAID           uint32    `json:"iaid"`
	Address        net.IP    `json:"address"`
	Hostname       string    `json:"hostname,omitempty"`
	MAC            string    `json:"mac,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	PreferredUntil time.Time `json:"preferred_until"`
	ValidUntil     time.Time `json:"valid_until"`
}

type leaseCatalogue struct {
	Leases map[string]Lease `json:"leases"`
}

// LeaseStore persists the DHCPv6 lease table under
// dataDir/dhcpv6-leases.json.
type LeaseStore struct {
	file *store.File[leaseCatalogue]
}

// NewLeaseStore opens the lease store.
func NewLeaseStore(dataDir string) (*LeaseStore, error) {
	f, err := store.NewFile[leaseCatalogue](filepath.Join(dataDir, "dhcpv6-leases.json"))
	if err != nil {
		return nil, err
	}
	return &LeaseStore{file: f}, nil
}

func duidKey(duid []byte) string { return hex.EncodeToString(duid) }

// FindByDUID returns the lease for duid, if any.
func (s *LeaseStore) FindByDUID(duid []byte) (Lease, bool, error) {
	cat, err := s.file.Load()
	if err != nil {
		return Lease{}, false, err
	}
	l, ok := cat.Leases[duidKey(duid)]
	return l, ok, nil
}

// Allocate assigns (renewing in place if one already exists) an address
// for duid within prefix, scanning [rangeStart, rangeEnd] in order for
// the first free suffix when no lease exists yet. Returns ok=false when
// the range is exhausted (NoAddrsAvail).
func (s *LeaseStore) Allocate(now time.Time, duid []byte, iaid uint32, mac string, prefix net.IP, rangeStart, rangeEnd uint64, validFor time.Duration) (Lease, bool, error) {
	cat, err := s.file.Load()
	if err != nil {
		return Lease{}, false, err
	}
	if cat.Leases == nil {
		cat.Leases = make(map[string]Lease)
	}

	preferredFor := validFor / 2
	key := duidKey(duid)

	if existing, ok := cat.Leases[key]; ok {
		existing.IAID = iaid
		existing.ValidUntil = now.Add(validFor)
		existing.PreferredUntil = now.Add(preferredFor)
		if mac != "" && existing.MAC == "" {
			existing.MAC = mac
		}
		cat.Leases[key] = existing
		if err := s.file.Save(cat); err != nil {
			return Lease{}, false, err
		}
		return existing, true, nil
	}

	suffix, ok := findFreeSuffix(cat.Leases, prefix, rangeStart, rangeEnd)
	if !ok {
		return Lease{}, false, nil
	}

	lease := Lease{
		DUID:           key,
		IAID:           iaid,
		Address:        makeAddress(prefix, suffix),
		MAC:            mac,
		CreatedAt:      now,
		ValidUntil:     now.Add(validFor),
		PreferredUntil: now.Add(preferredFor),
	}
	cat.Leases[key] = lease
	if err := s.file.Save(cat); err != nil {
		return Lease{}, false, err
	}
	return lease, true, nil
}

// Release deletes duid's lease, if any, reporting whether one existed.
func (s *LeaseStore) Release(duid []byte) (bool, error) {
	cat, err := s.file.Load()
	if err != nil {
		return false, err
	}
	key := duidKey(duid)
	if _, ok := cat.Leases[key]; !ok {
		return false, nil
	}
	delete(cat.Leases, key)
	return true, s.file.Save(cat)
}

// PurgeExpired drops every lease whose ValidUntil has passed, returning
// the count removed.
func (s *LeaseStore) PurgeExpired(now time.Time) (int, error) {
	cat, err := s.file.Load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for k, l := range cat.Leases {
		if l.ValidUntil.Before(now) {
			delete(cat.Leases, k)
			removed++
		}
	}
	if removed > 0 {
		if err := s.file.Save(cat); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// All returns every currently stored lease.
func (s *LeaseStore) All() ([]Lease, error) {
	cat, err := s.file.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Lease, 0, len(cat.Leases))
	for _, l := range cat.Leases {
		out = append(out, l)
	}
	return out, nil
}

// findFreeSuffix scans [rangeStart, rangeEnd] for the first suffix
// not already leased within prefix's current /64.
func findFreeSuffix(leases map[string]Lease, prefix net.IP, rangeStart, rangeEnd uint64) (uint64, bool) {
	used := make(map[uint64]bool, len(leases))
	prefixBytes := prefix.To16()
	for _, l := range leases {
		addr := l.Address.To16()
		if addr == nil || len(addr) != 16 {
			continue
		}
		matches := true
		for i := 0; i < 8; i++ {
			if addr[i] != prefixBytes[i] {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		var suffix uint64
		for i := 8; i < 16; i++ {
			suffix = suffix<<8 | uint64(addr[i])
		}
		used[suffix] = true
	}
	for s := rangeStart; s <= rangeEnd; s++ {
		if !used[s] {
			return s, true
		}
	}
	return 0, false
}

func makeAddress(prefix net.IP, suffix uint64) net.IP {
	out := make(net.IP, 16)
	copy(out, prefix.To16())
	var suffixBytes [8]byte
	for i := 7; i >= 0; i-- {
		suffixBytes[i] = byte(suffix)
		suffix >>= 8
	}
	copy(out[8:], suffixBytes[:])
	return out
}

// prefixFromPD projects a pdclient.PrefixInfo to its prefix address;
// the allocator only compares and copies the first 8 (network) bytes
// of it.
func prefixFromPD(p pdclient.PrefixInfo) net.IP { return p.Prefix }
