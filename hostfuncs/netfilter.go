package hostfuncs

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

// AddressResult is the outcome of ValidateAddress.
type AddressResult struct {
	Allowed    bool
	Reason     string
	ResolvedIP string
}

// NetfilterOption configures ValidateAddress.
type NetfilterOption func(*netfilterConfig)

type netfilterConfig struct {
	blockPrivate   bool
	blockLocalhost bool
	resolver       *net.Resolver
}

// WithBlockPrivate controls whether private, link-local and shared
// address space is refused. Default true.
func WithBlockPrivate(block bool) NetfilterOption {
	return func(c *netfilterConfig) { c.blockPrivate = block }
}

// WithBlockLocalhost controls whether loopback addresses are refused.
// Default true.
func WithBlockLocalhost(block bool) NetfilterOption {
	return func(c *netfilterConfig) { c.blockLocalhost = block }
}

// WithResolver sets the resolver used for host names.
func WithResolver(r *net.Resolver) NetfilterOption {
	return func(c *netfilterConfig) { c.resolver = r }
}

// sharedAddressSpace is the carrier-grade NAT range, RFC 6598.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ValidateAddress resolves host and checks every address it maps to.
// One refused address refuses the host, so a name cannot mix a public
// address with an internal one.
func ValidateAddress(ctx context.Context, host string, opts ...NetfilterOption) AddressResult {
	cfg := netfilterConfig{blockPrivate: true, blockLocalhost: true, resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(&cfg)
	}

	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		resolved, err := cfg.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return AddressResult{Reason: fmt.Sprintf("resolving %s: %v", host, err)}
		}
		addrs = resolved
	}
	if len(addrs) == 0 {
		return AddressResult{Reason: fmt.Sprintf("%s has no addresses", host)}
	}
	for _, ip := range addrs {
		if reason := refused(ip.Unmap(), cfg); reason != "" {
			return AddressResult{Reason: fmt.Sprintf("%s resolves to %s address %s", host, reason, ip)}
		}
	}
	return AddressResult{Allowed: true, ResolvedIP: addrs[0].Unmap().String()}
}

func refused(ip netip.Addr, cfg netfilterConfig) string {
	switch {
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsLoopback():
		if cfg.blockLocalhost {
			return "loopback"
		}
	case ip.IsMulticast(), ip.IsInterfaceLocalMulticast():
		return "multicast"
	case ip.IsPrivate(), ip.IsLinkLocalUnicast(), sharedAddressSpace.Contains(ip):
		if cfg.blockPrivate {
			return "private"
		}
	}
	return ""
}

// pinnedAddr is a validated resolution.
type pinnedAddr struct {
	ip string
	at time.Time
}

// SafeDialer dials only validated addresses. Each host name is resolved
// once and the validated address is pinned for pinTTL, so a later DNS
// answer cannot rebind the name to an internal address.
type SafeDialer struct {
	dialer  net.Dialer
	opts    []NetfilterOption
	clock   clock.Clock
	pinTTL  time.Duration
	mu      sync.RWMutex
	pinned  map[string]pinnedAddr
	enabled bool
}

var _ ports.Dialer = (*SafeDialer)(nil)

// DefaultPinTTL is how long a validated resolution is reused.
const DefaultPinTTL = 5 * time.Minute

// NewSafeDialer returns a dialer that validates destinations with opts.
func NewSafeDialer(opts ...NetfilterOption) *SafeDialer {
	return &SafeDialer{
		dialer:  net.Dialer{Timeout: 30 * time.Second},
		opts:    opts,
		clock:   clock.Real(),
		pinTTL:  DefaultPinTTL,
		pinned:  make(map[string]pinnedAddr),
		enabled: true,
	}
}

// UnfilteredDialer returns a dialer without address validation, for hosts
// that deliberately expose internal services to guests.
func UnfilteredDialer() *SafeDialer {
	d := NewSafeDialer()
	d.enabled = false
	return d
}

func (d *SafeDialer) resolve(ctx context.Context, host string) (string, error) {
	d.mu.RLock()
	p, ok := d.pinned[host]
	d.mu.RUnlock()
	if ok && d.clock.Since(p.at) < d.pinTTL {
		return p.ip, nil
	}

	res := ValidateAddress(ctx, host, d.opts...)
	if !res.Allowed {
		return "", fmt.Errorf("SSRF protection: %s", res.Reason)
	}
	d.mu.Lock()
	d.pinned[host] = pinnedAddr{ip: res.ResolvedIP, at: d.clock.Now()}
	d.mu.Unlock()
	return res.ResolvedIP, nil
}

// DialContext validates the destination and dials its pinned address.
func (d *SafeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !d.enabled {
		return d.dialer.DialContext(ctx, network, addr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	ip, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	target := ip
	if port != "" {
		target = net.JoinHostPort(ip, port)
	}
	return d.dialer.DialContext(ctx, network, target)
}
