package egressproxy

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/dnscache"
)

// CachedDialer resolves hosts through a shared dnscache.Resolver
// before dialing, grounded on the egress proxy's DialContextWithCache
// helper: resolve once, try every returned address, dial the first
// one that accepts.
type CachedDialer struct {
	Resolver *dnscache.Resolver
	Dialer   net.Dialer
}

// NewCachedDialer constructs a CachedDialer with its own resolver.
func NewCachedDialer() *CachedDialer {
	return &CachedDialer{Resolver: &dnscache.Resolver{}}
}

// DialContext resolves the host portion of addr via the cache and
// dials the first address that succeeds.
func (d *CachedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egressproxy: split host:port %q: %w", addr, err)
	}

	ips, err := d.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("egressproxy: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("egressproxy: no addresses found for %q", host)
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.Dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("egressproxy: dial %q failed: %w", host, lastErr)
}
