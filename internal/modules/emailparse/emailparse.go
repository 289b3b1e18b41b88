// Package emailparse extracts contact identifiers from bulk content.
package emailparse

import (
	"context"
	"regexp"
	"strings"

	"github.com/tracelight-project/tracelight/internal/core"
)

const ModuleName = "emailparse"

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// junkDomains are senders that appear in raw records without meaning
// anything about the target.
var junkDomains = map[string]bool{
	"example.com": true,
	"email.com":   true,
	"sentry.io":   true,
	"w3.org":      true,
}

// Parser scans raw content events for email addresses and derives
// usernames from their local parts.
type Parser struct{}

func New() *Parser { return &Parser{} }

func (p *Parser) Name() string { return ModuleName }
func (p *Parser) Description() string {
	return "Extracts email addresses and associated usernames from raw collected content"
}

func (p *Parser) WatchedTypes() []core.EventType {
	return []core.EventType{core.TypeRawData, core.TypeRawRIRData}
}

func (p *Parser) ProducedTypes() []core.EventType {
	return []core.EventType{core.TypeEmailAddr, core.TypeUsername}
}

func (p *Parser) Options() []core.Option {
	return []core.Option{
		{Name: "max_per_source", Default: "50", Description: "Cap on addresses extracted from one record"},
		{Name: "emit_usernames", Default: "true", Description: "Also emit the local part as a username"},
	}
}

func (p *Parser) Execute(ctx context.Context, ev *core.Event, sc *core.ScanContext) error {
	maxPer := 50
	if v := sc.Option("max_per_source", "50"); v != "" {
		maxPer = atoiDefault(v, 50)
	}
	emitUsers := sc.Option("emit_usernames", "true") == "true"

	seen := make(map[string]bool)
	for _, match := range emailRe.FindAllString(ev.Data, -1) {
		if len(seen) >= maxPer {
			break
		}
		addr := strings.ToLower(strings.Trim(match, "."))
		if seen[addr] || junk(addr) {
			continue
		}
		seen[addr] = true

		emailEv, err := core.NewEvent(core.TypeEmailAddr, addr, ModuleName, ev)
		if err != nil {
			continue
		}
		if err := sc.Emit(emailEv); err != nil {
			continue
		}

		if emitUsers {
			local := addr[:strings.Index(addr, "@")]
			if len(local) >= 3 && !strings.ContainsAny(local, "+%") {
				if userEv, err := core.NewEvent(core.TypeUsername, local, ModuleName, emailEv); err == nil {
					sc.Emit(userEv)
				}
			}
		}
	}
	return nil
}

func junk(addr string) bool {
	at := strings.LastIndex(addr, "@")
	if at < 1 {
		return true
	}
	domain := addr[at+1:]
	if junkDomains[domain] {
		return true
	}
	local := addr[:at]
	switch local {
	case "abuse", "noreply", "no-reply", "postmaster", "hostmaster":
		return true
	}
	return false
}

func atoiDefault(s string, def int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return def
	}
	return n
}

var _ core.Module = (*Parser)(nil)
