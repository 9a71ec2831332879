// Package endpoint resolves measurement targets to addresses.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
)

// Endpoint is a resolved measurement target. A hostname can resolve to
// several addresses; IPv4 addresses are listed first.
type Endpoint struct {
	Host  string
	Addrs []netip.Addr
}

// Primary returns the address tools will most likely connect to, or the empty
// string when nothing resolved.
func (e Endpoint) Primary() string {
	if len(e.Addrs) == 0 {
		return ""
	}
	return e.Addrs[0].String()
}

// IsLoopback reports whether every resolved address is a loopback address.
func (e Endpoint) IsLoopback() bool {
	if len(e.Addrs) == 0 {
		return false
	}
	for _, a := range e.Addrs {
		if !a.IsLoopback() {
			return false
		}
	}
	return true
}

// Lookup is the resolver function, replaceable in tests.
type Lookup func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver resolves hosts, short-circuiting IP literals and localhost.
type Resolver struct {
	Lookup Lookup
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Resolve returns the addresses of host.
func (r Resolver) Resolve(ctx context.Context, host string) (Endpoint, error) {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	ep := Endpoint{Host: host}

	if addr, err := netip.ParseAddr(host); err == nil {
		ep.Addrs = []netip.Addr{addr.Unmap()}
		return ep, nil
	}
	if strings.EqualFold(host, "localhost") {
		ep.Addrs = []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()}
		return ep, nil
	}

	lookup := r.Lookup
	if lookup == nil {
		lookup = defaultLookup
	}
	slog.Debug("Resolving hostname", "host", host)
	addrs, err := lookup(ctx, host)
	if err != nil {
		return ep, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	var v4, v6 []netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			v4 = append(v4, a)
		} else {
			v6 = append(v6, a)
		}
	}
	ep.Addrs = append(v4, v6...)
	if len(ep.Addrs) == 0 {
		return ep, fmt.Errorf("no addresses for %s", host)
	}
	return ep, nil
}
