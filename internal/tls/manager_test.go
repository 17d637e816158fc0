package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/config"
)

func TestSelfSignedFallback(t *testing.T) {
	dir := t.TempDir()
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, Domain: "otp.local", AutoCertDir: dir})
	assert.Nil(t, m.GetAutocertManager())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "otp.local"})
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "otp.local")
	assert.Contains(t, leaf.DNSNames, "localhost")

	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "otp.local"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	gen := NewDevCertGenerator(dir)
	certPath, _ := gen.paths()
	assert.True(t, gen.isCertificateValid(certPath, time.Now()))
	assert.False(t, gen.isCertificateValid(certPath, time.Now().Add(400*24*time.Hour)))

	// A second generator reuses the files on disk.
	reused, err := gen.GenerateCert([]string{"otp.local"})
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], reused.Certificate[0])
}

func TestTLSConfigDefaults(t *testing.T) {
	cfg := NewTLSManager(config.ServerConfig{}).GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Contains(t, cfg.NextProtos, "h2")
	assert.NotNil(t, cfg.GetCertificate)
}
