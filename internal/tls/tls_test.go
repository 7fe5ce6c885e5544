package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientConfigDisabled(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(ClientConfig{Enabled: false})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if tlsConfig != nil {
		t.Error("expected nil TLS config when disabled")
	}
}

func TestClientConfigMinVersion(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(ClientConfig{Enabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected min version TLS 1.2, got %d", tlsConfig.MinVersion)
	}
}

func TestClientConfigMissingCert(t *testing.T) {
	cfg := ClientConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	}
	if _, err := NewClientTLSConfig(cfg); err == nil {
		t.Error("expected error for missing certificate files")
	}
}

func TestClientConfigMissingCA(t *testing.T) {
	cfg := ClientConfig{
		Enabled: true,
		CAFile:  "/nonexistent/ca.pem",
	}
	if _, err := NewClientTLSConfig(cfg); err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestClientConfigValidCert(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "client.crt")
	keyFile := filepath.Join(tmpDir, "client.key")

	if err := generateSelfSignedCert(certFile, keyFile); err != nil {
		t.Fatalf("failed to generate cert: %v", err)
	}

	tlsConfig, err := NewClientTLSConfig(ClientConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(tlsConfig.Certificates))
	}
}

func TestClientConfigWithCA(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.crt")
	keyFile := filepath.Join(tmpDir, "cert.key")

	if err := generateSelfSignedCert(certFile, keyFile); err != nil {
		t.Fatalf("failed to generate cert: %v", err)
	}

	tlsConfig, err := NewClientTLSConfig(ClientConfig{
		Enabled: true,
		CAFile:  certFile, // self-signed cert doubles as its own CA
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig.RootCAs == nil {
		t.Error("expected RootCAs to be set")
	}
}

func TestClientConfigInsecureSkipVerify(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(ClientConfig{
		Enabled:            true,
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tlsConfig.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify to be true")
	}
}

func TestClientConfigServerName(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(ClientConfig{
		Enabled:    true,
		ServerName: "parseable.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig.ServerName != "parseable.example.com" {
		t.Errorf("ServerName = %q", tlsConfig.ServerName)
	}
}

// generateSelfSignedCert generates a self-signed certificate for testing.
func generateSelfSignedCert(certFile, keyFile string) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "test-cert",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return err
	}
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}
