package pdclient

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/homeroute/homeroute/internal/store"
)

// State is the persisted outcome of the last successful exchange
// (SOLICIT/REQUEST/RENEW/REBIND). Persisting it lets the client skip
// straight to Renewing on restart instead of re-SOLICITing.
type State struct {
	DelegatedPrefix    string `json:"delegated_prefix"`
	DelegatedPrefixLen uint8  `json:"delegated_prefix_len"`
	SelectedSubnet     string `json:"selected_subnet"`
	ServerDUID         []byte `json:"server_duid"`
	ClientDUID         []byte `json:"client_duid"`
	IAID               uint32 `json:"iaid"`
	T1                 uint32 `json:"t1"`
	T2                 uint32 `json:"t2"`
	ValidLifetime      uint32 `json:"valid_lifetime"`
	PreferredLifetime  uint32 `json:"preferred_lifetime"`
	ObtainedAt         int64  `json:"obtained_at"` // unix seconds
}

// IsValid reports whether the state has not yet reached its valid
// lifetime as of now.
func (s State) IsValid(now time.Time) bool {
	if s.DelegatedPrefix == "" {
		return false
	}
	expiry := time.Unix(s.ObtainedAt, 0).Add(time.Duration(s.ValidLifetime) * time.Second)
	return now.Before(expiry)
}

// RemainingValid returns how long until the state's valid lifetime
// expires, clamped to zero.
func (s State) RemainingValid(now time.Time) time.Duration {
	expiry := time.Unix(s.ObtainedAt, 0).Add(time.Duration(s.ValidLifetime) * time.Second)
	if expiry.Before(now) {
		return 0
	}
	return expiry.Sub(now)
}

// SubnetPrefix parses SelectedSubnet ("addr/len") back into components.
func (s State) SubnetPrefix() (net.IP, uint8, bool) {
	return parsePrefixString(s.SelectedSubnet)
}

func parsePrefixString(s string) (net.IP, uint8, bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return nil, 0, false
	}
	ip := net.ParseIP(parts[0])
	if ip == nil {
		return nil, 0, false
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil || length < 0 || length > 255 {
		return nil, 0, false
	}
	return ip, uint8(length), true
}

// StateStore persists a single pdclient.State under dataDir/pd-state.json.
type StateStore struct {
	file *store.File[State]
}

// NewStateStore opens the PD state store.
func NewStateStore(dataDir string) (*StateStore, error) {
	f, err := store.NewFile[State](filepath.Join(dataDir, "pd-state.json"))
	if err != nil {
		return nil, err
	}
	return &StateStore{file: f}, nil
}

func (s *StateStore) Load() (State, error) { return s.file.Load() }
func (s *StateStore) Save(st State) error  { return s.file.Save(st) }

func formatPrefix(ip net.IP, length uint8) string {
	return fmt.Sprintf("%s/%d", ip.String(), length)
}
