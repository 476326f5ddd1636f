package cfw

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"
)

// ErrCertGeneration indicates that CA bootstrap or leaf issuance failed.
// During startup this is fatal to interception; during relay it is fatal
// only to the connection that triggered the issuance.
var ErrCertGeneration = errors.New("certificate generation failed")

// CertManager owns the interception CA and issues short-lived per-host leaf
// certificates for TLS termination. Leaf certificates are cached by hostname;
// concurrent first-time requests for the same host generate exactly one
// certificate.
type CertManager struct {
	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	cache  map[string]*tls.Certificate

	// LeafValidity is the validity window for issued host certificates.
	// Defaults to 90 days and is capped at 90 days.
	LeafValidity time.Duration

	// Organization appears in the subject of issued certificates.
	Organization string

	// OnIssue is called after each successful leaf issuance.
	OnIssue func(host string)
}

const maxLeafValidity = 90 * 24 * time.Hour

// EnsureCA loads the CA from certPath/keyPath if both exist and the
// certificate is currently valid. Otherwise it generates a fresh CA with the
// given organization and validity and writes it to both paths. Generation or
// signing failures wrap ErrCertGeneration.
func EnsureCA(certPath, keyPath, org string, validityDays int) (*CertManager, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)

	if certErr == nil && keyErr == nil {
		cm, err := NewCertManagerFromPEM(certPEM, keyPEM)
		if err == nil && certValidNow(cm.caCert) {
			return cm, nil
		}
		// Present but unparseable or expired: regenerate below.
	}

	certPEM, keyPEM, err := GenerateCA(org, validityDays)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}

	return NewCertManagerFromPEM(certPEM, keyPEM)
}

func certValidNow(cert *x509.Certificate) bool {
	now := time.Now()
	return cert.IsCA && now.After(cert.NotBefore) && now.Before(cert.NotAfter)
}

// NewCertManager creates a CertManager from existing CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return &CertManager{
		caCert:       caCert,
		caKey:        caKey,
		cache:        make(map[string]*tls.Certificate),
		LeafValidity: maxLeafValidity,
	}, nil
}

// CACert returns the current CA certificate.
func (cm *CertManager) CACert() *x509.Certificate {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.caCert
}

// GetCertificate returns a TLS certificate for the SNI hostname in hello.
// This is suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a cached leaf certificate for the hostname,
// issuing a new one if none is cached. Expired cache entries are replaced.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	cm.mu.RLock()
	cert, ok := cm.cache[host]
	cm.mu.RUnlock()
	if ok && !leafExpired(cert) {
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if cert, ok := cm.cache[host]; ok && !leafExpired(cert) {
		return cert, nil
	}

	cert, err := cm.issueLeaf(host)
	if err != nil {
		return nil, err
	}

	cm.cache[host] = cert
	if cm.OnIssue != nil {
		cm.OnIssue(host)
	}
	return cert, nil
}

func leafExpired(cert *tls.Certificate) bool {
	if cert.Leaf == nil {
		return false
	}
	return time.Now().After(cert.Leaf.NotAfter)
}

// issueLeaf generates a host certificate signed by the current CA. Callers
// must hold the write lock.
func (cm *CertManager) issueLeaf(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrCertGeneration, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generate serial: %v", ErrCertGeneration, err)
	}

	validity := cm.LeafValidity
	if validity <= 0 || validity > maxLeafValidity {
		validity = maxLeafValidity
	}

	org := cm.Organization
	if org == "" {
		org = "CFW"
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	// SAN carries the host plus a wildcard for its subdomains; IP targets
	// get an IP SAN instead.
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host, "*." + host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sign leaf for %s: %v", ErrCertGeneration, host, err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parse leaf: %v", ErrCertGeneration, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
		Leaf:        leaf,
	}, nil
}

// Reload swaps the CA from the given paths and flushes the leaf cache.
// In-flight handshakes keep their already-issued leaf certificates; new
// issuance uses the reloaded CA only.
func (cm *CertManager) Reload(certPath, keyPath string) error {
	next, err := NewCertManager(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("reload CA: %w", err)
	}

	cm.mu.Lock()
	cm.caCert = next.caCert
	cm.caKey = next.caKey
	cm.cache = make(map[string]*tls.Certificate)
	cm.mu.Unlock()

	return nil
}

// ClearCache drops all cached leaf certificates.
func (cm *CertManager) ClearCache() {
	cm.mu.Lock()
	cm.cache = make(map[string]*tls.Certificate)
	cm.mu.Unlock()
}

// CacheSize returns the number of cached leaf certificates.
func (cm *CertManager) CacheSize() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validityDays int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate CA key: %v", ErrCertGeneration, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate serial: %v", ErrCertGeneration, err)
	}

	if validityDays <= 0 {
		validityDays = 365
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create CA certificate: %v", ErrCertGeneration, err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
