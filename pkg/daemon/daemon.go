package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/ctflabs/paddock/pkg/keychain"
)

// Client wraps the Docker Engine API for the operations the deploy engine
// needs. One client is built per deploy attempt from the host keychain; there
// is no shared mutable state.
type Client struct {
	cli *client.Client
	// auth is the encoded registry credential for pulls, empty when anonymous
	auth string
}

// New builds a daemon client from a keychain. For ssl daemons the TLS config
// is assembled in memory; key material is never written to the filesystem.
func New(cfg keychain.DaemonConfig, creds *keychain.RegistryCredentials) (*Client, error) {
	var cli *client.Client
	var err error

	switch cfg.Type {
	case keychain.DaemonLocal:
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	case keychain.DaemonSsl:
		tlsCfg, terr := cfg.TLSConfig()
		if terr != nil {
			return nil, terr
		}
		host := cfg.Address
		if !strings.Contains(host, "://") {
			host = "tcp://" + host
		}
		cli, err = client.NewClientWithOpts(
			client.WithHost(host),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{TLSClientConfig: tlsCfg},
			}),
			client.WithAPIVersionNegotiation(),
		)
	default:
		return nil, fmt.Errorf("unknown daemon type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon client: %w", err)
	}

	auth := ""
	if creds != nil {
		auth, err = registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      creds.Username,
			Password:      creds.Password,
			ServerAddress: creds.ServerAddress,
		})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to encode registry credentials: %w", err)
		}
	}

	return &Client{cli: cli, auth: auth}, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.cli.Close()
}

// NetworkExists reports whether a network with the given name is present
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect network %s: %w", name, err)
}

// CreateNetwork creates a bridge network for one deployment
func (c *Client) CreateNetwork(ctx context.Context, name string) error {
	if _, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// RemoveNetwork removes a deployment network
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.cli.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// Pull fetches an image, authenticating with the keychain's registry
// credentials when present. The progress stream is drained; the pull is not
// complete until it closes.
func (c *Client) Pull(ctx context.Context, imageRef string) error {
	rc, err := c.cli.ImagePull(ctx, imageRef, image.PullOptions{RegistryAuth: c.auth})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// ContainerSpec describes one container to create
type ContainerSpec struct {
	Name  string
	Image string
	Env   map[string]string
	// Network to attach; Alias lets sibling containers address this one by name
	Network string
	Alias   string
	// TcpPorts maps container ports to the host ports they publish on 0.0.0.0
	TcpPorts map[uint16]uint16

	NanoCPUs    int64
	MemoryBytes int64
	CapAdd      []string
	Privileged  bool
}

// CreateContainer creates (but does not start) a container and returns its id
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.TcpPorts {
		port, err := nat.NewPort("tcp", strconv.Itoa(int(containerPort)))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(int(hostPort)),
		}}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          env,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings: bindings,
			CapAdd:       strslice.StrSlice(spec.CapAdd),
			Privileged:   spec.Privileged,
			Resources: container.Resources{
				NanoCPUs: spec.NanoCPUs,
				Memory:   spec.MemoryBytes,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: []string{spec.Alias}},
			},
		},
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container
func (c *Client) StartContainer(ctx context.Context, name string) error {
	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// ContainerIP inspects a running container and returns its address on the
// given network, falling back to the first attached network.
func (c *Client) ContainerIP(ctx context.Context, name, networkName string) (string, error) {
	insp, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if insp.NetworkSettings == nil || len(insp.NetworkSettings.Networks) == 0 {
		return "", fmt.Errorf("container %s has no networks", name)
	}

	if ep, ok := insp.NetworkSettings.Networks[networkName]; ok && ep.IPAddress != "" {
		return ep.IPAddress, nil
	}
	for _, ep := range insp.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no IP address", name)
}

// ForceRemoveContainer removes a container and its anonymous volumes whether
// or not it is running. Missing containers are not an error; removal is used
// both for stale-name cleanup and for teardown.
func (c *Client) ForceRemoveContainer(ctx context.Context, name string) error {
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}
