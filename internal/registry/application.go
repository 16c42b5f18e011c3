// Package registry implements the persisted application
// catalogue, Argon2id agent-token hashing/verification, the in-memory
// connection table with active_count-gated teardown, and the
// heartbeat monitor. The catalogue is persisted through
// internal/store's atomic-rename files.
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/store"
)

// Status is an application's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDeploying    Status = "deploying"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Environment distinguishes development/production pairing.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// EndpointConfig describes one proxied frontend or API endpoint
// belonging to an application.
type EndpointConfig struct {
	Name         string `json:"name"`
	TargetPort   int    `json:"target_port"`
	AuthRequired bool   `json:"auth_required"`
}

// Application is the persisted catalogue entry.
type Application struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Slug           string           `json:"slug"`
	Enabled        bool             `json:"enabled"`
	ContainerName  string           `json:"container_name"`
	HostID         string           `json:"host_id,omitempty"`
	TokenHash      string           `json:"token_hash"`
	Suffix         uint16           `json:"suffix"`
	IPv4Address    string           `json:"ipv4_address,omitempty"`
	IPv6Address    string           `json:"ipv6_address,omitempty"`
	Environment    Environment      `json:"environment"`
	LinkedAppID    string           `json:"linked_app_id,omitempty"`
	Status         Status           `json:"status"`
	LastHeartbeat  time.Time        `json:"last_heartbeat,omitempty"`
	AgentVersion   string           `json:"agent_version,omitempty"`
	Frontend       *EndpointConfig  `json:"frontend,omitempty"`
	APIs           []EndpointConfig `json:"apis,omitempty"`
	CertIDs        []string         `json:"cert_ids,omitempty"`
	RecordIDs      []string         `json:"record_ids,omitempty"`
	WakePage       bool             `json:"wake_page"`
	PowerPolicy    string           `json:"power_policy,omitempty"`
}

// Power policies accepted by the power-policy REST endpoint.
const (
	PowerPolicyAlwaysOn  = "always_on"
	PowerPolicyAutoSleep = "auto_sleep"
)

type catalogue struct {
	Applications []Application `json:"applications"`
	// NextSuffix is strictly monotonic: deleting an application never
	// frees its suffix for reuse.
	NextSuffix uint16 `json:"next_suffix"`
}

// Registry owns the persisted application catalogue.
type Registry struct {
	mu  sync.Mutex
	cat *store.File[catalogue]
}

// New opens the catalogue at dataDir/applications.json.
func New(dataDir string) (*Registry, error) {
	cat, err := store.NewFile[catalogue](filepath.Join(dataDir, "applications.json"))
	if err != nil {
		return nil, err
	}
	return &Registry{cat: cat}, nil
}

// CreateRequest is the admin-supplied input for Create.
type CreateRequest struct {
	Name        string
	Slug        string
	Environment Environment
	LinkedAppID string
	Frontend    *EndpointConfig
	APIs        []EndpointConfig
	WakePage    bool
}

// CreateResult carries the new application plus its one-time cleartext
// token, never persisted or returned again.
type CreateResult struct {
	Application Application
	Token       string
}

// Create allocates a suffix, generates a 256-bit token, and appends a
// new pending application to the catalogue.
func (r *Registry) Create(req CreateRequest) (CreateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cat, err := r.cat.Load()
	if err != nil {
		return CreateResult{}, err
	}
	for _, app := range cat.Applications {
		if app.Slug == req.Slug {
			return CreateResult{}, apierr.Validation("slug %q already in use", req.Slug)
		}
	}

	token, err := generateToken()
	if err != nil {
		return CreateResult{}, apierr.Fatal(err, "generate agent token")
	}
	hash, err := hashToken(token)
	if err != nil {
		return CreateResult{}, apierr.Fatal(err, "hash agent token")
	}

	suffix := cat.NextSuffix
	if suffix == 0 {
		// Catalogues written before next_suffix was tracked resume from
		// the highest suffix in use.
		suffix = highestSuffix(cat.Applications) + 1
	}
	cat.NextSuffix = suffix + 1

	app := Application{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Slug:        req.Slug,
		Enabled:     true,
		TokenHash:   hash,
		Suffix:      suffix,
		Environment: req.Environment,
		LinkedAppID: req.LinkedAppID,
		Status:      StatusPending,
		Frontend:    req.Frontend,
		APIs:        req.APIs,
		WakePage:    req.WakePage,
	}
	cat.Applications = append(cat.Applications, app)
	if err := r.cat.Save(cat); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Application: app, Token: token}, nil
}

func highestSuffix(apps []Application) uint16 {
	max := uint16(0)
	for _, a := range apps {
		if a.Suffix > max {
			max = a.Suffix
		}
	}
	return max
}

// List returns every application in the catalogue.
func (r *Registry) List() ([]Application, error) {
	cat, err := r.cat.Load()
	if err != nil {
		return nil, err
	}
	return cat.Applications, nil
}

// Get looks up an application by ID.
func (r *Registry) Get(id string) (Application, error) {
	cat, err := r.cat.Load()
	if err != nil {
		return Application{}, err
	}
	for _, app := range cat.Applications {
		if app.ID == id {
			return app, nil
		}
	}
	return Application{}, apierr.NotFound("application %s not found", id)
}

// GetBySlug looks up an application by its unique slug, used during
// agent authentication.
func (r *Registry) GetBySlug(slug string) (Application, error) {
	cat, err := r.cat.Load()
	if err != nil {
		return Application{}, err
	}
	for _, app := range cat.Applications {
		if app.Slug == slug {
			return app, nil
		}
	}
	return Application{}, apierr.NotFound("application with slug %q not found", slug)
}

// Update replaces an application's mutable fields via fn, which
// receives a pointer to the in-catalogue copy.
func (r *Registry) Update(id string, fn func(*Application)) (Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cat, err := r.cat.Load()
	if err != nil {
		return Application{}, err
	}
	for i := range cat.Applications {
		if cat.Applications[i].ID == id {
			fn(&cat.Applications[i])
			if err := r.cat.Save(cat); err != nil {
				return Application{}, err
			}
			return cat.Applications[i], nil
		}
	}
	return Application{}, apierr.NotFound("application %s not found", id)
}

// AddressableApp is the minimal per-application view the reconciler
// acts on (internal/reconciler.AppRecord), decoupling that package
// from Application's full catalogue shape.
type AddressableApp struct {
	ID          string
	Slug        string
	Suffix      uint16
	IPv6Address net.IP
}

// ListAddressable returns every enabled application in the shape the
// prefix reconciler needs.
func (r *Registry) ListAddressable() ([]AddressableApp, error) {
	cat, err := r.cat.Load()
	if err != nil {
		return nil, err
	}
	out := make([]AddressableApp, 0, len(cat.Applications))
	for _, app := range cat.Applications {
		if !app.Enabled {
			continue
		}
		out = append(out, AddressableApp{ID: app.ID, Slug: app.Slug, Suffix: app.Suffix, IPv6Address: net.ParseIP(app.IPv6Address)})
	}
	return out, nil
}

// SetAddresses persists the derived IPv6 address the reconciler
// computed for an application (nil clears it, e.g. on prefix
// withdrawal).
func (r *Registry) SetAddresses(id string, ipv6 net.IP) error {
	_, err := r.Update(id, func(a *Application) {
		if ipv6 == nil {
			a.IPv6Address = ""
			return
		}
		a.IPv6Address = ipv6.String()
	})
	return err
}

// Delete removes an application from the catalogue. Callers are
// responsible for the teardown cascade (cloud DNS, firewall, certs,
// container) before calling Delete.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cat, err := r.cat.Load()
	if err != nil {
		return err
	}
	kept := cat.Applications[:0]
	found := false
	for _, app := range cat.Applications {
		if app.ID == id {
			found = true
			continue
		}
		kept = append(kept, app)
	}
	if !found {
		return apierr.NotFound("application %s not found", id)
	}
	cat.Applications = kept
	return r.cat.Save(cat)
}

// RegenerateToken issues a new cleartext token and replaces the stored hash.
func (r *Registry) RegenerateToken(id string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", apierr.Fatal(err, "generate agent token")
	}
	hash, err := hashToken(token)
	if err != nil {
		return "", apierr.Fatal(err, "hash agent token")
	}
	if _, err := r.Update(id, func(a *Application) { a.TokenHash = hash }); err != nil {
		return "", err
	}
	return token, nil
}

// Authenticate returns the application whose slug matches serviceName
// and whose token verifies against its stored hash.
func (r *Registry) Authenticate(serviceName, token string) (Application, error) {
	app, err := r.GetBySlug(serviceName)
	if err != nil {
		return Application{}, apierr.NotFound("unknown service %q", serviceName)
	}
	ok, err := verifyToken(token, app.TokenHash)
	if err != nil || !ok {
		return Application{}, apierr.Validation("authentication failed for %q", serviceName)
	}
	return app, nil
}

// AuthenticateByToken scans the catalogue for the application whose
// stored hash matches token, for endpoints that only carry a bearer
// token, not a slug.
func (r *Registry) AuthenticateByToken(token string) (Application, error) {
	cat, err := r.cat.Load()
	if err != nil {
		return Application{}, err
	}
	for _, app := range cat.Applications {
		if ok, err := verifyToken(token, app.TokenHash); err == nil && ok {
			return app, nil
		}
	}
	return Application{}, apierr.Validation("invalid token")
}

func generateToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

func hashToken(token string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return encodeArgon2(salt, key), nil
}

func verifyToken(token, encoded string) (bool, error) {
	salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, uint32(len(key)))
	return constantTimeEqual(candidate, key), nil
}

func encodeArgon2(salt, key []byte) string {
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(key)
}

func decodeArgon2(encoded string) ([]byte, []byte, error) {
	sep := -1
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '$' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, nil, apierr.Validation("malformed token hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(encoded[:sep])
	if err != nil {
		return nil, nil, apierr.Validation("malformed token hash salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(encoded[sep+1:])
	if err != nil {
		return nil, nil, apierr.Validation("malformed token hash key")
	}
	return salt, key, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
