// Package dnsresolve resolves discovered names to addresses and back.
package dnsresolve

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/tracelight-project/tracelight/internal/core"
)

const ModuleName = "dnsresolve"

// Resolver turns names into addresses, addresses back into names, and
// surfaces the DNS and mail infrastructure behind a domain.
type Resolver struct {
	resolver *net.Resolver
}

func New() *Resolver {
	return &Resolver{resolver: net.DefaultResolver}
}

func (r *Resolver) Name() string { return ModuleName }
func (r *Resolver) Description() string {
	return "Resolves hostnames to IP addresses, reverse-resolves addresses, and identifies name and mail servers"
}

func (r *Resolver) WatchedTypes() []core.EventType {
	return []core.EventType{core.TypeRoot, core.TypeDomainName, core.TypeInternetName, core.TypeIPAddress}
}

func (r *Resolver) ProducedTypes() []core.EventType {
	return []core.EventType{
		core.TypeIPAddress, core.TypeIPv6Address, core.TypeInternetName,
		core.TypeProviderDNS, core.TypeProviderMail,
	}
}

func (r *Resolver) Options() []core.Option {
	return []core.Option{
		{Name: "timeout", Default: "10s", Description: "Per-lookup timeout"},
		{Name: "reverse", Default: "true", Description: "Reverse-resolve discovered IP addresses"},
	}
}

func (r *Resolver) Execute(ctx context.Context, ev *core.Event, sc *core.ScanContext) error {
	timeout, err := time.ParseDuration(sc.Option("timeout", "10s"))
	if err != nil {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Root events arrive typed as the scan target, so one switch covers
	// both seeded and discovered inputs. Targets that are neither names
	// nor addresses give DNS nothing to chew on.
	switch ev.Type {
	case core.TypeIPAddress:
		if sc.Option("reverse", "true") != "true" {
			return nil
		}
		return r.reverse(ctx, ev, sc)
	case core.TypeDomainName, core.TypeInternetName:
		return r.forward(ctx, ev.Data, ev, sc)
	default:
		return nil
	}
}

func (r *Resolver) forward(ctx context.Context, name string, src *core.Event, sc *core.ScanContext) error {
	addrs, err := r.resolver.LookupIPAddr(ctx, name)
	if err != nil {
		sc.Logger.Debug().Err(err).Str("name", name).Msg("lookup failed")
	}
	for _, addr := range addrs {
		t := core.TypeIPAddress
		if addr.IP.To4() == nil {
			t = core.TypeIPv6Address
		}
		ev, err := core.NewEvent(t, addr.IP.String(), ModuleName, src)
		if err != nil {
			continue
		}
		if err := sc.Emit(ev); err != nil {
			sc.Logger.Debug().Err(err).Msg("emit rejected")
		}
	}

	// Infrastructure records only make sense at the zone apex.
	if src.IsRoot() || src.Type == core.TypeDomainName {
		r.infrastructure(ctx, name, src, sc)
	}
	return nil
}

func (r *Resolver) infrastructure(ctx context.Context, name string, src *core.Event, sc *core.ScanContext) {
	if nss, err := r.resolver.LookupNS(ctx, name); err == nil {
		for _, ns := range nss {
			host := strings.TrimSuffix(ns.Host, ".")
			if ev, err := core.NewEvent(core.TypeProviderDNS, host, ModuleName, src); err == nil {
				sc.Emit(ev)
			}
		}
	}
	if mxs, err := r.resolver.LookupMX(ctx, name); err == nil {
		for _, mx := range mxs {
			host := strings.TrimSuffix(mx.Host, ".")
			if ev, err := core.NewEvent(core.TypeProviderMail, host, ModuleName, src); err == nil {
				sc.Emit(ev)
			}
		}
	}
}

func (r *Resolver) reverse(ctx context.Context, src *core.Event, sc *core.ScanContext) error {
	names, err := r.resolver.LookupAddr(ctx, src.Data)
	if err != nil {
		return nil // NXDOMAIN on PTR is the common case, not a failure
	}
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if name == "" {
			continue
		}
		ev, err := core.NewEvent(core.TypeInternetName, name, ModuleName, src)
		if err != nil {
			continue
		}
		sc.Emit(ev)
	}
	return nil
}

var _ core.Module = (*Resolver)(nil)
