package cert

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestNewSelfSignCAGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	ca, err := NewSelfSignCA(dir, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ca.GetRootCA() == nil {
		t.Fatal("expected root certificate")
	}
	if len(ca.ExportPEM()) == 0 {
		t.Fatal("expected PEM-encoded root certificate")
	}

	// Reopening the same directory must load the persisted CA rather
	// than generating a new one.
	ca2, err := NewSelfSignCA(dir, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ca.GetRootCA().SerialNumber.Cmp(ca2.GetRootCA().SerialNumber) != 0 {
		t.Fatal("expected reloaded CA to have the same serial number")
	}
}

func TestGetCertSANMatchesAuthority(t *testing.T) {
	ca, err := NewSelfSignCA(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	tlsCert, err := ca.GetCert("example.test:443")
	if err != nil {
		t.Fatal(err)
	}
	if len(tlsCert.Certificate) == 0 {
		t.Fatal("expected at least one certificate in the chain")
	}

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, san := range leaf.DNSNames {
		if san == "example.test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SAN to include example.test, got %v", leaf.DNSNames)
	}
}

func TestGetCertCachesByAuthority(t *testing.T) {
	ca, err := NewSelfSignCA(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	first, err := ca.GetCert("cached.test")
	if err != nil {
		t.Fatal(err)
	}
	second, err := ca.GetCert("cached.test")
	if err != nil {
		t.Fatal(err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatal("expected cached GetCert to return the same leaf certificate")
	}
}

func TestGetCertRejectsUnknownAuthorityNever(t *testing.T) {
	// GetCert must succeed for any requested authority (invariant 6
	// only constrains the SAN of what is served, not which hosts are
	// servable) and the leaf must validate against the root CA.
	ca, err := NewSelfSignCA(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	tlsCert, err := ca.GetCert("nested.sub.example.test")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.GetRootCA())
	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName:   "nested.sub.example.test",
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Fatalf("expected leaf to verify against root CA: %v", err)
	}
}

func TestLeafEntryExpiredWithinRefreshThreshold(t *testing.T) {
	now := time.Now()
	stale := &leafEntry{
		issued:   now.Add(-9 * 24 * time.Hour),
		notAfter: now.Add(1 * 24 * time.Hour), // 10 days total, 1 remaining: within 10%
	}
	if !stale.expired(now) {
		t.Fatal("expected leaf within refresh threshold to be treated as expired")
	}

	fresh := &leafEntry{
		issued:   now.Add(-1 * time.Hour),
		notAfter: now.Add(9 * 24 * time.Hour),
	}
	if fresh.expired(now) {
		t.Fatal("expected freshly minted leaf to not be expired")
	}
}

func TestNormalizeAuthorityStripsPort(t *testing.T) {
	if got := normalizeAuthority("example.test:8443"); got != "example.test" {
		t.Fatalf("got %q", got)
	}
	if got := normalizeAuthority("example.test"); got != "example.test" {
		t.Fatalf("got %q", got)
	}
}
