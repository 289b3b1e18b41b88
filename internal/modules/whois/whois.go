// Package whois queries domain registration records and extracts the
// people, organizations, and infrastructure behind them.
package whois

import (
	"context"
	"strings"
	"time"

	likwhois "github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/tracelight-project/tracelight/internal/core"
)

const ModuleName = "whois"

// Lookup fetches registration records for discovered domains.
type Lookup struct {
	client *likwhois.Client
}

func New() *Lookup {
	return &Lookup{client: likwhois.NewClient()}
}

func (l *Lookup) Name() string { return ModuleName }
func (l *Lookup) Description() string {
	return "Queries WHOIS registration data for domains, extracting registrant identity and name servers"
}

func (l *Lookup) WatchedTypes() []core.EventType {
	return []core.EventType{core.TypeRoot, core.TypeDomainName}
}

func (l *Lookup) ProducedTypes() []core.EventType {
	return []core.EventType{
		core.TypeRawRIRData, core.TypeEmailAddr, core.TypeHumanName,
		core.TypeCompanyName, core.TypeProviderDNS,
	}
}

func (l *Lookup) Options() []core.Option {
	return []core.Option{
		{Name: "timeout", Default: "15s", Description: "WHOIS query timeout"},
	}
}

func (l *Lookup) Execute(ctx context.Context, ev *core.Event, sc *core.ScanContext) error {
	// Root events arrive typed as the scan target; only domain targets have
	// registration records worth querying from the seed.
	if ev.IsRoot() && ev.Type != core.TypeDomainName {
		return nil
	}
	domain := ev.Data

	timeout, err := time.ParseDuration(sc.Option("timeout", "15s"))
	if err != nil {
		timeout = 15 * time.Second
	}
	l.client.SetTimeout(timeout)

	raw, err := l.client.Whois(domain)
	if err != nil {
		sc.Logger.Debug().Err(err).Str("domain", domain).Msg("whois query failed")
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	rawEv, err := core.NewEvent(core.TypeRawRIRData, raw, ModuleName, ev)
	if err != nil {
		return nil
	}
	if err := sc.Emit(rawEv); err != nil {
		return nil
	}

	// Structured fields hang off the raw record they were parsed from.
	info, err := whoisparser.Parse(raw)
	if err != nil {
		sc.Logger.Debug().Err(err).Str("domain", domain).Msg("whois record unparseable")
		return nil
	}
	l.extract(info, rawEv, sc)
	return nil
}

func (l *Lookup) extract(info whoisparser.WhoisInfo, src *core.Event, sc *core.ScanContext) {
	emitIf := func(t core.EventType, data string) {
		data = strings.TrimSpace(data)
		if data == "" || strings.Contains(strings.ToUpper(data), "REDACTED") {
			return
		}
		if ev, err := core.NewEvent(t, data, ModuleName, src); err == nil {
			sc.Emit(ev)
		}
	}

	if info.Registrant != nil {
		emitIf(core.TypeEmailAddr, strings.ToLower(info.Registrant.Email))
		emitIf(core.TypeHumanName, info.Registrant.Name)
		emitIf(core.TypeCompanyName, info.Registrant.Organization)
	}
	if info.Registrar != nil {
		emitIf(core.TypeCompanyName, info.Registrar.Name)
	}
	if info.Domain != nil {
		for _, ns := range info.Domain.NameServers {
			emitIf(core.TypeProviderDNS, strings.ToLower(strings.TrimSuffix(ns, ".")))
		}
	}
}

var _ core.Module = (*Lookup)(nil)
