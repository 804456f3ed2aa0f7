package keychain

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
)

// DefaultHostID is the keychain every installation must provide; challenges
// that do not name a host deploy there.
const DefaultHostID = "default"

// DaemonKind selects how the container daemon is reached
type DaemonKind string

const (
	// DaemonLocal uses the local socket and environment defaults
	DaemonLocal DaemonKind = "local"

	// DaemonSsl uses a TCP endpoint with mutual TLS
	DaemonSsl DaemonKind = "ssl"
)

// DaemonConfig is the container-daemon half of a host keychain. For ssl
// daemons the key material is carried inline as PEM and never written to disk.
type DaemonConfig struct {
	Type    DaemonKind `json:"type"`
	Address string     `json:"address,omitempty"`
	Key     string     `json:"key,omitempty"`
	Cert    string     `json:"cert,omitempty"`
	CA      string     `json:"ca,omitempty"`
}

// RegistryCredentials authenticate image pulls; nil means the host pulls
// anonymously (or not at all).
type RegistryCredentials struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	ServerAddress string `json:"serveraddress,omitempty"`
}

// ProxyConfig is the reverse-proxy half of a host keychain: the control
// endpoint, the public subdomain base, and the mTLS client identity.
type ProxyConfig struct {
	Endpoint string `json:"endpoint"`
	Base     string `json:"base"`
	CACert   string `json:"cacert"`
	Cert     string `json:"cert"`
	Key      string `json:"key"`
}

// Keychain bundles everything needed to drive one host: a container daemon,
// an image registry, and a reverse proxy.
type Keychain struct {
	ID                string               `json:"id"`
	Docker            DaemonConfig         `json:"docker"`
	DockerCredentials *RegistryCredentials `json:"docker_credentials"`
	ImagePrefix       string               `json:"image_prefix"`
	Repo              string               `json:"repo"`
	Caddy             ProxyConfig          `json:"caddy"`
}

// Registry maps host ids to keychains. Loaded once at startup; read-only after.
type Registry struct {
	hosts map[string]Keychain
}

// Load reads a JSON array of keychains from path and validates it: ids must
// be unique, "default" must exist, and all PEM material must parse so that a
// bad credential fails at boot rather than mid-deploy.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host keychains: %w", err)
	}

	var parsed []Keychain
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse host keychains: %w", err)
	}

	hosts := make(map[string]Keychain, len(parsed))
	for _, kc := range parsed {
		if _, dup := hosts[kc.ID]; dup {
			return nil, fmt.Errorf("duplicate host keychain %q", kc.ID)
		}
		if err := kc.validate(); err != nil {
			return nil, fmt.Errorf("host keychain %q: %w", kc.ID, err)
		}
		hosts[kc.ID] = kc
	}

	if _, ok := hosts[DefaultHostID]; !ok {
		return nil, fmt.Errorf("missing %q host keychain", DefaultHostID)
	}

	return &Registry{hosts: hosts}, nil
}

// Lookup resolves a challenge's host id to its keychain; empty selects default
func (r *Registry) Lookup(hostID string) (Keychain, error) {
	if hostID == "" {
		hostID = DefaultHostID
	}
	kc, ok := r.hosts[hostID]
	if !ok {
		return Keychain{}, fmt.Errorf("no keychain for host %q", hostID)
	}
	return kc, nil
}

// Hosts returns the ids of all configured hosts
func (r *Registry) Hosts() []string {
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	return ids
}

func (kc Keychain) validate() error {
	switch kc.Docker.Type {
	case DaemonLocal:
	case DaemonSsl:
		if kc.Docker.Address == "" {
			return fmt.Errorf("ssl daemon requires an address")
		}
		if _, err := kc.Docker.TLSConfig(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown daemon type %q", kc.Docker.Type)
	}

	if kc.Caddy.Endpoint == "" {
		return fmt.Errorf("proxy endpoint is required")
	}
	if kc.Caddy.Base == "" {
		return fmt.Errorf("proxy subdomain base is required")
	}
	if _, err := kc.Caddy.TLSConfig(); err != nil {
		return err
	}
	return nil
}

// TLSConfig builds the daemon client TLS config entirely in memory; key
// material never touches the filesystem.
func (c DaemonConfig) TLSConfig() (*tls.Config, error) {
	return clientTLS(c.CA, c.Cert, c.Key)
}

// TLSConfig builds the proxy mTLS client config entirely in memory
func (c ProxyConfig) TLSConfig() (*tls.Config, error) {
	return clientTLS(c.CACert, c.Cert, c.Key)
}

func clientTLS(caPEM, certPEM, keyPEM string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caPEM)) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse client identity: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
