// Package cert implements the TLS Interceptor (SPEC_FULL.md §4.2): a
// self-signed root CA generated once and persisted on disk, and an
// LRU-cached, singleflight-coalesced leaf-certificate minter used to
// terminate MITM'd TLS connections per authority.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// CA is the interface the data plane drives during a MITM TLS
// handshake: mint/fetch a leaf certificate for an authority, and expose
// the root certificate for trust-store export (spec.md §4.2 "export CA
// cert" interface).
type CA interface {
	GetCert(authority string) (*tls.Certificate, error)
	GetRootCA() *x509.Certificate
	ExportPEM() []byte
}

// defaultValidityDays and defaultCacheSize mirror SPEC_FULL.md §6
// Config defaults (leaf_cert_validity_days, leaf_cache_size).
const (
	defaultValidityDays = 365
	defaultCacheSize    = 1024

	// refreshThreshold re-mints a cached leaf once 10% or less of its
	// validity window remains (spec.md §4.2 cache policy).
	refreshThreshold = 0.10
)

type leafEntry struct {
	tlsCert  *tls.Certificate
	notAfter time.Time
	issued   time.Time
}

// expired reports whether the cached leaf should not be served: either
// genuinely expired, or within the refresh threshold of expiring.
func (e *leafEntry) expired(now time.Time) bool {
	total := e.notAfter.Sub(e.issued)
	if total <= 0 {
		return true
	}
	remaining := e.notAfter.Sub(now)
	if remaining <= 0 {
		return true
	}
	return remaining <= time.Duration(float64(total)*refreshThreshold)
}

// SelfSignCA generates (or loads) a self-signed EC root CA and mints
// per-authority leaf certificates on demand, signed by that root.
type SelfSignCA struct {
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	caCertPEM  []byte
	validity   time.Duration

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   singleflight.Group
}

// NewSelfSignCA loads the root CA from dir/{root.crt,root.key}, or
// generates one on first run and persists it there (spec.md §4.2 "Root
// CA lifecycle"). An empty dir uses the process's current directory.
// cacheSize and validityDays fall back to SPEC_FULL.md §6 defaults when
// zero.
func NewSelfSignCA(dir string, cacheSize, validityDays int) (CA, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if validityDays <= 0 {
		validityDays = defaultValidityDays
	}

	storePath, err := getStorePath(dir)
	if err != nil {
		return nil, fmt.Errorf("cert: resolving store path: %w", err)
	}
	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return nil, fmt.Errorf("cert: creating CA directory: %w", err)
	}

	ca := &SelfSignCA{
		validity: time.Duration(validityDays) * 24 * time.Hour,
		cache:    lru.New(cacheSize),
	}

	crtPath := filepath.Join(storePath, "root.crt")
	keyPath := filepath.Join(storePath, "root.key")

	if _, err := os.Stat(crtPath); err == nil {
		if err := ca.load(crtPath, keyPath); err != nil {
			return nil, fmt.Errorf("cert: loading existing CA: %w", err)
		}
		return ca, nil
	}

	if err := ca.generate(); err != nil {
		return nil, fmt.Errorf("cert: generating CA: %w", err)
	}
	if err := ca.persist(crtPath, keyPath); err != nil {
		return nil, fmt.Errorf("cert: persisting CA: %w", err)
	}
	return ca, nil
}

// getStorePath returns dir as given, defaulting to the current working
// directory when empty. A relative dir is not made absolute.
func getStorePath(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return wd, nil
	}
	return dir, nil
}

// generate creates a fresh P-256 root key pair and a self-signed CA
// certificate, never invoked automatically on an existing CA (spec.md
// §4.2 "Never regenerate automatically").
func (ca *SelfSignCA) generate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "relaywire intercepting proxy CA",
			Organization: []string{"relaywire"},
		},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	ca.caKey = key
	ca.caCert = crt
	ca.caCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return nil
}

// persist writes the root certificate and private key as PEM files.
func (ca *SelfSignCA) persist(crtPath, keyPath string) error {
	if err := os.WriteFile(crtPath, ca.caCertPEM, 0o644); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(ca.caKey)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// load reads a previously persisted root CA back from disk.
func (ca *SelfSignCA) load(crtPath, keyPath string) error {
	crtPEM, err := os.ReadFile(crtPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	crtBlock, _ := pem.Decode(crtPEM)
	if crtBlock == nil {
		return fmt.Errorf("cert: %s contains no PEM certificate block", crtPath)
	}
	crt, err := x509.ParseCertificate(crtBlock.Bytes)
	if err != nil {
		return err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("cert: %s contains no PEM key block", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return err
	}

	ca.caCert = crt
	ca.caKey = key
	ca.caCertPEM = crtPEM
	return nil
}

// GetRootCA returns the root CA certificate for trust-store export.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.caCert
}

// ExportPEM returns the PEM-encoded root certificate, the payload the
// external `GET /ca-cert` management API endpoint serves (spec.md §6).
func (ca *SelfSignCA) ExportPEM() []byte {
	return ca.caCertPEM
}

// GetCert returns a leaf certificate for authority, minting and caching
// one on first use. Concurrent callers for the same cold authority
// coalesce onto a single mint via singleflight, and a cached leaf
// within its refresh threshold is re-minted lazily rather than served
// stale (spec.md §4.2 cache policy). Invariant 6: the returned leaf's
// SAN set always includes authority.
func (ca *SelfSignCA) GetCert(authority string) (*tls.Certificate, error) {
	host := normalizeAuthority(authority)

	ca.cacheMu.Lock()
	if v, ok := ca.cache.Get(host); ok {
		entry := v.(*leafEntry)
		if !entry.expired(time.Now()) {
			ca.cacheMu.Unlock()
			return entry.tlsCert, nil
		}
		ca.cache.Remove(host)
	}
	ca.cacheMu.Unlock()

	v, err := ca.group.Do(host, func() (any, error) {
		return ca.mintLeaf(host)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*leafEntry)

	ca.cacheMu.Lock()
	ca.cache.Add(host, entry)
	ca.cacheMu.Unlock()

	return entry.tlsCert, nil
}

// DummyCert mints (but does not cache) a leaf certificate for
// commonName, used by offline certificate-generation tooling outside
// this package's normal GetCert hot path.
func (ca *SelfSignCA) DummyCert(commonName string) (*tls.Certificate, error) {
	entry, err := ca.mintLeaf(normalizeAuthority(commonName))
	if err != nil {
		return nil, err
	}
	return entry.tlsCert, nil
}

func normalizeAuthority(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	return host
}

// mintLeaf generates a fresh EC leaf key pair and certificate signed by
// the root CA, with a single SAN for host (an IP SAN if host parses as
// an IP address, a DNS SAN otherwise), NotBefore = now-1h, NotAfter =
// now+validity, random serial
// (spec.md §4.2 "Leaf minting").
func (ca *SelfSignCA) mintLeaf(host string) (*leafEntry, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notBefore := now.Add(-1 * time.Hour)
	notAfter := now.Add(ca.validity)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("cert: minting leaf for %s: %w", host, err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{der, ca.caCert.Raw},
		PrivateKey:  key,
	}

	return &leafEntry{tlsCert: tlsCert, notAfter: notAfter, issued: now}, nil
}
