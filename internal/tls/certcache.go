package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anthropics/lolb/internal/lolberr"
)

const (
	// CertKeySize is the RSA key size for generated certificates.
	CertKeySize = 2048

	// CertValidityDays is the validity period for generated certificates.
	CertValidityDays = 30

	// DefaultMaxCacheSize bounds the LRU so a flood of distinct SNI
	// names can't grow the cache without bound.
	DefaultMaxCacheSize = 1000
)

// KnownHostFunc reports whether host falls under one of the registry's
// configured domains. CertCache consults it before minting a
// leaf certificate, so the self-signed fallback only ever vouches for
// hosts this lolb deployment actually serves (spec §4.5's domain/host
// model), never for an arbitrary SNI name a client happens to present.
type KnownHostFunc func(host string) bool

// CertCache is an LRU cache of self-signed leaf certificates, minted
// on demand and signed by ca, for the subset of SNI hostnames
// isKnownHost accepts.
type CertCache struct {
	ca          *CA
	isKnownHost KnownHostFunc
	maxSize     int
	mu          sync.Mutex
	cache       map[string]*cacheEntry
	order       []string // LRU order (oldest first)
}

type cacheEntry struct {
	cert      *tls.Certificate
	createdAt time.Time
}

// NewCertCache creates a certificate cache with the given CA and max
// size. isKnownHost gates which SNI hosts get a certificate minted for
// them; a nil isKnownHost accepts every host (used by components that
// have no registry to consult, e.g. standalone tests).
func NewCertCache(ca *CA, maxSize int, isKnownHost KnownHostFunc) *CertCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	if isKnownHost == nil {
		isKnownHost = func(string) bool { return true }
	}
	return &CertCache{
		ca:          ca,
		isKnownHost: isKnownHost,
		maxSize:     maxSize,
		cache:       make(map[string]*cacheEntry),
		order:       make([]string, 0, maxSize),
	}
}

// GetCertificate returns a TLS certificate for the SNI hostname in
// hello, generating and signing one on first request. It refuses to
// mint a certificate for any host isKnownHost rejects.
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, lolberr.Acme(fmt.Errorf("no server name in ClientHello"))
	}
	if !c.isKnownHost(host) {
		return nil, lolberr.Acme(fmt.Errorf("%w: %s", lolberr.ErrUnknownHost, host))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[host]; ok {
		c.moveToEnd(host)
		return entry.cert, nil
	}

	cert, err := c.generateCert(host)
	if err != nil {
		return nil, lolberr.Acme(fmt.Errorf("generating certificate for %s: %w", host, err))
	}

	if len(c.cache) >= c.maxSize {
		c.evictOldest()
	}

	c.cache[host] = &cacheEntry{
		cert:      cert,
		createdAt: time.Now(),
	}
	c.order = append(c.order, host)

	return cert, nil
}

// generateCert generates and signs a leaf certificate for host.
func (c *CertCache) generateCert(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, CertKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"lolb"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(0, 0, CertValidityDays),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.ca.cert, &key.PublicKey, c.ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, c.ca.cert.Raw},
		PrivateKey:  key,
	}, nil
}

// moveToEnd moves a host to the end of the LRU order.
func (c *CertCache) moveToEnd(host string) {
	for i, h := range c.order {
		if h == host {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, host)
}

// evictOldest removes the oldest (least recently used) entry.
func (c *CertCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.cache, oldest)
}

// Size returns the current cache size.
func (c *CertCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *CertCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry)
	c.order = make([]string, 0, c.maxSize)
}
