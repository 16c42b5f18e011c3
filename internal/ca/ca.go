// Package ca implements the on-box certificate authority: a
// self-signed root generated (or reloaded) at startup, leaf issuance
// on demand, and a persisted index as the source of truth, backed by
// store.File. Certificates are generated and signed directly with
// crypto/x509; there is no external PKI dependency.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/store"
)

// Certificate is one issued leaf certificate, the durable record kept
// in index.json.
type Certificate struct {
	ID           string    `json:"id"`
	Domains      []string  `json:"domains"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	SerialNumber string    `json:"serial_number"`
	CertPath     string    `json:"cert_path"`
	KeyPath      string    `json:"key_path"`
}

// NeedsRenewal reports whether the certificate expires within
// thresholdDays of now.
func (c Certificate) NeedsRenewal(now time.Time, thresholdDays int) bool {
	return c.ExpiresAt.Sub(now) < time.Duration(thresholdDays)*24*time.Hour
}

type index struct {
	Certs []Certificate `json:"certs"`
}

// Config configures root generation and issuance policy.
type Config struct {
	DataDir              string
	CommonName           string
	Organization         string
	RootValidityDays     int
	CertValidityDays     int
	RenewalThresholdDays int
}

// RenewedHook is invoked after a renewal replaces a certificate, so
// dependent subsystems (the agent registry re-pushing Config, the
// proxy reloading its TLS store) can react. Renewal assigns a fresh
// ID, so the hook carries both records: consumers match on old.ID and
// adopt renewed.ID.
type RenewedHook func(old, renewed Certificate)

// CA is the certificate authority. One instance per control plane.
type CA struct {
	cfg     Config
	clock   clockwork.Clock
	idx     *store.File[index]
	mu      sync.RWMutex
	root    *x509.Certificate
	rootKey *ecdsa.PrivateKey
	onRenew []RenewedHook
}

// New constructs a CA bound to cfg.DataDir/ca/. Call Init before any
// other operation.
func New(cfg Config, clock clockwork.Clock) (*CA, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	idx, err := store.NewFile[index](filepath.Join(cfg.DataDir, "ca", "index.json"))
	if err != nil {
		return nil, err
	}
	return &CA{cfg: cfg, clock: clock, idx: idx}, nil
}

// OnRenew registers a callback fired for every certificate replaced by
// the background renewal scan.
func (c *CA) OnRenew(hook RenewedHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRenew = append(c.onRenew, hook)
}

func (c *CA) rootCertPath() string { return filepath.Join(c.cfg.DataDir, "ca", "root-ca.crt") }
func (c *CA) rootKeyPath() string  { return filepath.Join(c.cfg.DataDir, "ca", "root-ca.key") }
func (c *CA) certPath(id string) string {
	return filepath.Join(c.cfg.DataDir, "ca", "certs", id+".crt")
}
func (c *CA) keyPath(id string) string {
	return filepath.Join(c.cfg.DataDir, "ca", "keys", id+".key")
}

// Init loads the root certificate from disk if present, else generates
// a new self-signed root and persists it with owner-only permissions.
func (c *CA) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.rootCertPath()); err == nil {
		return c.loadRootLocked()
	} else if !os.IsNotExist(err) {
		return apierr.IO(err, "stat root certificate")
	}
	return c.generateRootLocked()
}

func (c *CA) generateRootLocked() error {
	if err := os.MkdirAll(filepath.Join(c.cfg.DataDir, "ca", "certs"), 0o700); err != nil {
		return apierr.IO(err, "create ca certs directory")
	}
	if err := os.MkdirAll(filepath.Join(c.cfg.DataDir, "ca", "keys"), 0o700); err != nil {
		return apierr.IO(err, "create ca keys directory")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return apierr.Fatal(err, "generate root key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return apierr.Fatal(err, "generate root serial")
	}

	now := c.clock.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   c.cfg.CommonName,
			Organization: []string{c.cfg.Organization},
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, c.cfg.RootValidityDays),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return apierr.Fatal(err, "self-sign root certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return apierr.Fatal(err, "parse generated root certificate")
	}

	if err := writePEM(c.rootCertPath(), "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return apierr.Fatal(err, "marshal root key")
	}
	if err := writePEM(c.rootKeyPath(), "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}

	c.root = cert
	c.rootKey = key
	return nil
}

func (c *CA) loadRootLocked() error {
	certPEM, err := os.ReadFile(c.rootCertPath())
	if err != nil {
		return apierr.IO(err, "read root certificate")
	}
	keyPEM, err := os.ReadFile(c.rootKeyPath())
	if err != nil {
		return apierr.IO(err, "read root key")
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return apierr.New(apierr.KindIO, "root certificate PEM is empty or malformed")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return apierr.Fatal(err, "parse root certificate")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return apierr.New(apierr.KindIO, "root key PEM is empty or malformed")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return apierr.Fatal(err, "parse root key")
	}

	c.root = cert
	c.rootKey = key
	return nil
}

// RootPEM returns the root certificate in PEM form, embedded by the
// registry into every agent's Config push.
func (c *CA) RootPEM() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.root == nil {
		return nil, apierr.NotInitialized("certificate authority not initialized")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.root.Raw}), nil
}

// Issue validates domains, signs a new leaf certificate against the
// root, persists it, and appends it to the index.
func (c *CA) Issue(domains []string) (Certificate, error) {
	if err := ValidateDomains(domains); err != nil {
		return Certificate{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == nil || c.rootKey == nil {
		return Certificate{}, apierr.NotInitialized("certificate authority not initialized")
	}

	id := uuid.NewString()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Certificate{}, apierr.Fatal(err, "generate leaf key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Certificate{}, apierr.Fatal(err, "generate leaf serial")
	}

	now := c.clock.Now().UTC()
	notAfter := now.AddDate(0, 0, c.cfg.CertValidityDays)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   domains[0],
			Organization: []string{c.cfg.Organization},
		},
		NotBefore:   now,
		NotAfter:    notAfter,
		IsCA:        false,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	tmpl.DNSNames = append(tmpl.DNSNames, domains...)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.root, &key.PublicKey, c.rootKey)
	if err != nil {
		return Certificate{}, apierr.Fatal(err, "sign leaf certificate")
	}

	certPath := c.certPath(id)
	keyPath := c.keyPath(id)
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return Certificate{}, apierr.Fatal(err, "marshal leaf key")
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return Certificate{}, err
	}

	rec := Certificate{
		ID:           id,
		Domains:      append([]string(nil), domains...),
		IssuedAt:     now,
		ExpiresAt:    notAfter,
		SerialNumber: hex.EncodeToString(serial.Bytes()),
		CertPath:     certPath,
		KeyPath:      keyPath,
	}

	idx, err := c.idx.Load()
	if err != nil {
		return Certificate{}, err
	}
	idx.Certs = append(idx.Certs, rec)
	if err := c.idx.Save(idx); err != nil {
		return Certificate{}, err
	}

	return rec, nil
}

// List returns every certificate currently in the index.
func (c *CA) List() ([]Certificate, error) {
	idx, err := c.idx.Load()
	if err != nil {
		return nil, err
	}
	return idx.Certs, nil
}

// Get looks up a certificate by ID.
func (c *CA) Get(id string) (Certificate, error) {
	idx, err := c.idx.Load()
	if err != nil {
		return Certificate{}, err
	}
	for _, cert := range idx.Certs {
		if cert.ID == id {
			return cert, nil
		}
	}
	return Certificate{}, apierr.NotFound("certificate %s not found", id)
}

// Renew deletes and reissues a certificate for the same domains. A
// new ID is assigned; callers must pick up the returned record's new
// ID.
func (c *CA) Renew(id string) (Certificate, error) {
	cert, err := c.Get(id)
	if err != nil {
		return Certificate{}, err
	}
	if err := c.Revoke(id); err != nil {
		return Certificate{}, err
	}
	renewed, err := c.Issue(cert.Domains)
	if err != nil {
		return Certificate{}, err
	}

	c.mu.RLock()
	hooks := append([]RenewedHook(nil), c.onRenew...)
	c.mu.RUnlock()
	for _, hook := range hooks {
		hook(cert, renewed)
	}
	return renewed, nil
}

// Revoke removes a certificate from the index and deletes its files.
// Index mutation happens first: a crash after index removal but before
// file deletion leaves orphan files, never a dangling index entry.
func (c *CA) Revoke(id string) error {
	idx, err := c.idx.Load()
	if err != nil {
		return err
	}

	found := false
	kept := idx.Certs[:0]
	var removed Certificate
	for _, cert := range idx.Certs {
		if cert.ID == id {
			found = true
			removed = cert
			continue
		}
		kept = append(kept, cert)
	}
	if !found {
		return apierr.NotFound("certificate %s not found", id)
	}
	idx.Certs = kept
	if err := c.idx.Save(idx); err != nil {
		return err
	}

	_ = os.Remove(removed.CertPath)
	_ = os.Remove(removed.KeyPath)
	return nil
}

// CertificatesNeedingRenewal returns every cert expiring within
// thresholdDays.
func (c *CA) CertificatesNeedingRenewal(thresholdDays int) ([]Certificate, error) {
	idx, err := c.idx.Load()
	if err != nil {
		return nil, err
	}
	now := c.clock.Now().UTC()
	var out []Certificate
	for _, cert := range idx.Certs {
		if cert.NeedsRenewal(now, thresholdDays) {
			out = append(out, cert)
		}
	}
	return out, nil
}

// RunRenewalLoop runs forever (until stop is closed), renewing every
// expiring certificate once per interval.
func (c *CA) RunRenewalLoop(stop <-chan struct{}, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.renewAllExpiring()
		}
	}
}

func (c *CA) renewAllExpiring() {
	due, err := c.CertificatesNeedingRenewal(c.cfg.RenewalThresholdDays)
	if err != nil {
		return
	}
	for _, cert := range due {
		_, _ = c.Renew(cert.ID)
	}
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apierr.IO(err, "create directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return apierr.IO(err, "create %s", path)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return apierr.IO(err, "write %s", path)
	}
	return nil
}

var labelRE = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidateDomains enforces the domain validation rules.
func ValidateDomains(domains []string) error {
	if len(domains) == 0 {
		return apierr.Validation("at least one domain is required")
	}
	for _, d := range domains {
		if err := validateDomain(d); err != nil {
			return err
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" || len(domain) > 253 {
		return apierr.Validation("invalid domain %q: empty or over 253 characters", domain)
	}
	rest := domain
	if strings.HasPrefix(domain, "*.") {
		rest = domain[2:]
		if rest == "" {
			return apierr.Validation("invalid domain %q: wildcard with no remaining label", domain)
		}
	}
	for _, label := range strings.Split(rest, ".") {
		if label == "" || len(label) > 63 {
			return apierr.Validation("invalid domain %q: empty or over-length label", domain)
		}
		if !labelRE.MatchString(label) {
			return apierr.Validation("invalid domain %q: label %q has invalid characters", domain, label)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return apierr.Validation("invalid domain %q: label %q starts or ends with '-'", domain, label)
		}
	}
	return nil
}
