// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed certificate and key into dir.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fluxmesh-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadTLSConfigDisabled(t *testing.T) {
	cfg, err := LoadTLSConfig(&Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, "no TLS", SecurityStatus(cfg))

	cfg, err = LoadTLSConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)

	cfg, err := LoadTLSConfig(&Config{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Nil(t, cfg.ClientCAs)
	assert.Equal(t, "TLS", SecurityStatus(cfg))
}

func TestLoadTLSConfigMutual(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)

	cfg, err := LoadTLSConfig(&Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: certFile, ServerCAFile: certFile})
	require.NoError(t, err)
	require.NotNil(t, cfg.ClientCAs)
	require.NotNil(t, cfg.RootCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, "TLS and RequireAndVerifyClientCert", SecurityStatus(cfg))
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "missing key pair", cfg: Config{CertFile: filepath.Join(dir, "nope.pem"), KeyFile: keyFile}, want: errLoadCerts},
		{name: "missing client CA", cfg: Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: filepath.Join(dir, "nope.pem")}, want: errLoadClientCA},
		{name: "missing server CA", cfg: Config{CertFile: certFile, KeyFile: keyFile, ServerCAFile: filepath.Join(dir, "nope.pem")}, want: errLoadServerCA},
		{name: "bad client CA", cfg: Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: garbage}, want: errAppendCA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTLSConfig(&tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
