// Package discovery is the boundary to the service-discovery component that
// locates the stream sender. The session only needs a reachable endpoint
// string; how it is found is external.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Resolver turns a peer name into a reachable "host:port" endpoint.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Static returns a fixed endpoint regardless of the requested name, for
// configurations where the sender address is already known.
type Static string

// Resolve validates and returns the static endpoint.
func (s Static) Resolve(_ context.Context, _ string) (string, error) {
	if _, _, err := net.SplitHostPort(string(s)); err != nil {
		return "", fmt.Errorf("static endpoint %q: %w", string(s), err)
	}
	return string(s), nil
}

// DNS resolves a hostname via the system resolver and appends a fixed port.
type DNS struct {
	Port    string
	Timeout time.Duration
}

// Resolve looks up the first address for name. The lookup is bounded by the
// configured timeout (default 3s).
func (d DNS) Resolve(ctx context.Context, name string) (string, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(ctx, name)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("lookup %s: no addresses", name)
	}
	return net.JoinHostPort(addrs[0], d.Port), nil
}
