package keychain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPEMs generates a throwaway CA and a client certificate signed by it
func testPEMs(t *testing.T) (caPEM, certPEM, keyPEM string) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	clientTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)
	clientDER, err := x509.CreateCertificate(rand.Reader, clientTmpl, caCert, &clientKey.PublicKey, caKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(clientKey)
	require.NoError(t, err)

	caPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}))
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: clientDER}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return caPEM, certPEM, keyPEM
}

func testKeychain(t *testing.T, id string) Keychain {
	t.Helper()
	ca, cert, key := testPEMs(t)
	return Keychain{
		ID:     id,
		Docker: DaemonConfig{Type: DaemonLocal},
		Repo:   "registry.example.com",
		Caddy: ProxyConfig{
			Endpoint: "https://proxy.example.com:2019",
			Base:     "ctf.example.com",
			CACert:   ca,
			Cert:     cert,
			Key:      key,
		},
	}
}

func writeKeychains(t *testing.T, kcs ...Keychain) string {
	t.Helper()
	data, err := json.Marshal(kcs)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "hosts.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeKeychains(t, testKeychain(t, "default"), testKeychain(t, "gpu-host"))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"default", "gpu-host"}, reg.Hosts())
}

func TestLoadRequiresDefault(t *testing.T) {
	path := writeKeychains(t, testKeychain(t, "only-host"))

	_, err := Load(path)
	assert.ErrorContains(t, err, `missing "default"`)
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := writeKeychains(t, testKeychain(t, "default"), testKeychain(t, "default"))

	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoadRejectsBadPEM(t *testing.T) {
	kc := testKeychain(t, "default")
	kc.Caddy.CACert = "not a certificate"
	path := writeKeychains(t, kc)

	// Bad credentials fail at boot, not at first deploy
	_, err := Load(path)
	assert.ErrorContains(t, err, "CA certificate")
}

func TestLoadValidatesSslDaemon(t *testing.T) {
	ca, cert, key := testPEMs(t)

	kc := testKeychain(t, "default")
	kc.Docker = DaemonConfig{Type: DaemonSsl, Address: "10.0.0.5:2376", CA: ca, Cert: cert, Key: key}
	_, err := Load(writeKeychains(t, kc))
	assert.NoError(t, err)

	kc.Docker.Address = ""
	_, err = Load(writeKeychains(t, kc))
	assert.ErrorContains(t, err, "address")

	kc.Docker.Address = "10.0.0.5:2376"
	kc.Docker.Key = "garbage"
	_, err = Load(writeKeychains(t, kc))
	assert.ErrorContains(t, err, "client identity")
}

func TestLoadRejectsUnknownDaemonType(t *testing.T) {
	kc := testKeychain(t, "default")
	kc.Docker.Type = "podman"

	_, err := Load(writeKeychains(t, kc))
	assert.ErrorContains(t, err, "unknown daemon type")
}

func TestLookup(t *testing.T) {
	reg, err := Load(writeKeychains(t, testKeychain(t, "default"), testKeychain(t, "gpu-host")))
	require.NoError(t, err)

	// Empty host id selects default
	kc, err := reg.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "default", kc.ID)

	kc, err = reg.Lookup("gpu-host")
	require.NoError(t, err)
	assert.Equal(t, "gpu-host", kc.ID)

	_, err = reg.Lookup("missing")
	assert.ErrorContains(t, err, `no keychain for host "missing"`)
}
