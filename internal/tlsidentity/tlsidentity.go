// Package tlsidentity provisions and reuses the self-signed TLS certificate
// the front door binds with (§4.8). The original implementation generates
// certificates with the rcgen crate; no equivalent third-party certificate
// generator appears anywhere in the retrieved pack, so this uses the Go
// standard library (crypto/x509, crypto/ecdsa, crypto/tls, encoding/pem)
// directly — the same primitives every pack repo that touches TLS already
// depends on transitively.
package tlsidentity

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
	"time"
)

// ValidityPeriod is how long a generated certificate is considered fresh.
const ValidityPeriod = 365 * 24 * time.Hour

const commonName = "releash-server"

// Identity is the on-disk material for a provisioned certificate.
type Identity struct {
	CertPath string
	KeyPath  string
	BindIP   string
}

// EnsureCert returns a valid Identity for ip under dataDir/tls, reusing
// existing material when cert.pem/key.pem/bind_ip are all present, bind_ip
// matches ip, and the certificate is younger than ValidityPeriod. Otherwise
// it generates and atomically persists a fresh self-signed certificate.
func EnsureCert(ip net.IP, dataDir string) (*Identity, error) {
	tlsDir := filepath.Join(dataDir, "tls")
	certPath := filepath.Join(tlsDir, "cert.pem")
	keyPath := filepath.Join(tlsDir, "key.pem")
	bindIPPath := filepath.Join(tlsDir, "bind_ip")

	if canReuse(certPath, keyPath, bindIPPath, ip) {
		return &Identity{CertPath: certPath, KeyPath: keyPath, BindIP: ip.String()}, nil
	}

	if err := os.MkdirAll(tlsDir, 0o755); err != nil {
		return nil, fmt.Errorf("tlsidentity: creating %s: %w", tlsDir, err)
	}

	certPEM, keyPEM, err := generateSelfSigned(ip)
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(certPath, certPEM, 0o644); err != nil {
		return nil, err
	}
	if err := writeAtomic(keyPath, keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := writeAtomic(bindIPPath, []byte(ip.String()), 0o644); err != nil {
		return nil, err
	}

	return &Identity{CertPath: certPath, KeyPath: keyPath, BindIP: ip.String()}, nil
}

func canReuse(certPath, keyPath, bindIPPath string, ip net.IP) bool {
	info, err := os.Stat(certPath)
	if err != nil {
		return false
	}
	if _, err := os.Stat(keyPath); err != nil {
		return false
	}
	savedIP, err := os.ReadFile(bindIPPath)
	if err != nil {
		return false
	}
	if string(savedIP) != ip.String() {
		return false
	}
	return time.Since(info.ModTime()) < ValidityPeriod
}

func generateSelfSigned(ip net.IP) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("tlsidentity: generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("tlsidentity: generating serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(ValidityPeriod),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{ip},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("tlsidentity: creating certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("tlsidentity: marshaling key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("tlsidentity: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("tlsidentity: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tlsidentity: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tlsidentity: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tlsidentity: renaming into place: %w", err)
	}
	return nil
}

// LoadServerConfig builds a *tls.Config from id's cert/key, with safe
// defaults and no client certificate authentication.
func LoadServerConfig(id *Identity) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(id.CertPath, id.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsidentity: loading key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
	}, nil
}
