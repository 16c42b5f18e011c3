package ca

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/internal/apierr"
)

func readPEMFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty pem file")
	}
	return data, nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func newTestCA(t *testing.T) (*CA, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c, err := New(Config{
		DataDir:              t.TempDir(),
		CommonName:           "HomeRoute Root CA",
		Organization:         "HomeRoute",
		RootValidityDays:     3650,
		CertValidityDays:     397,
		RenewalThresholdDays: 30,
	}, clock)
	require.NoError(t, err)
	require.NoError(t, c.Init())
	return c, clock
}

func TestInitGeneratesRootOnFirstRun(t *testing.T) {
	c, _ := newTestCA(t)
	pemBytes, err := c.RootPEM()
	require.NoError(t, err)
	require.Contains(t, string(pemBytes), "BEGIN CERTIFICATE")
}

func TestInitLoadsExistingRootOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	cfg := Config{DataDir: dir, CommonName: "Root", Organization: "HomeRoute", RootValidityDays: 3650, CertValidityDays: 397, RenewalThresholdDays: 30}

	c1, err := New(cfg, clock)
	require.NoError(t, err)
	require.NoError(t, c1.Init())
	pem1, err := c1.RootPEM()
	require.NoError(t, err)

	c2, err := New(cfg, clock)
	require.NoError(t, err)
	require.NoError(t, c2.Init())
	pem2, err := c2.RootPEM()
	require.NoError(t, err)

	require.Equal(t, pem1, pem2)
}

func TestIssueProducesValidLeafSignedByRoot(t *testing.T) {
	c, clock := newTestCA(t)

	rec, err := c.Issue([]string{"app.home.arpa", "*.app.home.arpa"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, []string{"app.home.arpa", "*.app.home.arpa"}, rec.Domains)

	pool := x509.NewCertPool()
	rootPEM, err := c.RootPEM()
	require.NoError(t, err)
	require.True(t, pool.AppendCertsFromPEM(rootPEM))

	leafPEM, err := readPEMFile(rec.CertPath)
	require.NoError(t, err)
	leaf, err := parseCertPEM(leafPEM)
	require.NoError(t, err)

	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "app.home.arpa", Roots: pool, CurrentTime: clock.Now(), KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}})
	require.NoError(t, err)
}

func TestIssueRejectsInvalidDomain(t *testing.T) {
	c, _ := newTestCA(t)
	_, err := c.Issue([]string{"-bad.home.arpa"})
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindValidation))
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	c, _ := newTestCA(t)
	_, err := c.Get("nonexistent")
	require.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestRevokeRemovesFromIndexAndDeletesFiles(t *testing.T) {
	c, _ := newTestCA(t)
	rec, err := c.Issue([]string{"svc.home.arpa"})
	require.NoError(t, err)

	require.NoError(t, c.Revoke(rec.ID))

	_, err = c.Get(rec.ID)
	require.True(t, apierr.Is(err, apierr.KindNotFound))

	_, statErr := readPEMFile(rec.CertPath)
	require.Error(t, statErr)
}

func TestRevokeUnknownIDReturnsNotFound(t *testing.T) {
	c, _ := newTestCA(t)
	err := c.Revoke("nonexistent")
	require.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestRenewIssuesNewCertAndHooksFire(t *testing.T) {
	c, _ := newTestCA(t)
	rec, err := c.Issue([]string{"svc.home.arpa"})
	require.NoError(t, err)

	var hookedOld, hookedNew Certificate
	c.OnRenew(func(old, renewed Certificate) { hookedOld, hookedNew = old, renewed })

	renewed, err := c.Renew(rec.ID)
	require.NoError(t, err)
	require.NotEqual(t, rec.ID, renewed.ID)
	require.Equal(t, rec.Domains, renewed.Domains)
	require.Equal(t, rec.ID, hookedOld.ID)
	require.Equal(t, renewed.ID, hookedNew.ID)

	_, err = c.Get(rec.ID)
	require.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestCertificatesNeedingRenewal(t *testing.T) {
	c, clock := newTestCA(t)

	soon, err := c.Issue([]string{"soon.home.arpa"})
	require.NoError(t, err)

	clock.Advance(400 * 24 * time.Hour)

	fresh, err := c.Issue([]string{"fresh.home.arpa"})
	require.NoError(t, err)

	due, err := c.CertificatesNeedingRenewal(30)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, cert := range due {
		ids[cert.ID] = true
	}
	require.True(t, ids[soon.ID])
	require.False(t, ids[fresh.ID])
}

func TestValidateDomains(t *testing.T) {
	valid := []string{"example.com", "sub.example.com", "*.example.com", "test-123.example.com"}
	for _, d := range valid {
		require.NoErrorf(t, validateDomain(d), "expected %q to be valid", d)
	}

	invalid := []string{"", "-example.com", "example-.com", "*.", "example..com"}
	for _, d := range invalid {
		require.Errorf(t, validateDomain(d), "expected %q to be invalid", d)
	}
}
