package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// resolver performs DNS A-record lookups directly against the host's
// configured nameservers so the Response timing record can report DNS
// latency independent of whatever the OS resolver caches.
//
// When no usable resolv.conf is found (containerised sandboxes, Windows, a
// host file with no nameservers) resolver falls back to the OS resolver via
// net.DefaultResolver, so lookups never hard-fail just because the direct
// path is unavailable.
type resolver struct {
	client *dns.Client
	config *dns.ClientConfig
}

func newResolver() *resolver {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return &resolver{}
	}
	return &resolver{
		client: &dns.Client{Timeout: 3 * time.Second},
		config: cfg,
	}
}

// resolve returns the first A-record IP for host. IP literals pass through
// unchanged with zero lookup cost.
func (r *resolver) resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if r.client != nil && r.config != nil {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
		for _, server := range r.config.Servers {
			addr := net.JoinHostPort(server, r.config.Port)
			resp, _, err := r.client.ExchangeContext(ctx, msg, addr)
			if err != nil || resp == nil {
				continue
			}
			for _, ans := range resp.Answer {
				if a, ok := ans.(*dns.A); ok {
					return a.A.String(), nil
				}
			}
		}
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("transport: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("transport: resolve %s: no addresses returned", host)
	}
	return addrs[0], nil
}
