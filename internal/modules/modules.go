// Package modules assembles the built-in collection module catalog.
package modules

import (
	"fmt"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/modules/dnsresolve"
	"github.com/tracelight-project/tracelight/internal/modules/emailparse"
	"github.com/tracelight-project/tracelight/internal/modules/sslcert"
	"github.com/tracelight-project/tracelight/internal/modules/whois"
)

// Catalog returns one instance of every built-in module, in stable order.
func Catalog() []core.Module {
	return []core.Module{
		dnsresolve.New(),
		whois.New(),
		sslcert.New(),
		emailparse.New(),
	}
}

// Select resolves a requested module list against the catalog and the
// config's enabled set. An empty request means every enabled module. An
// unknown name is an error: a typo silently running a different scan than
// asked for is worse than failing.
func Select(cfg *core.Config, requested []string) ([]core.Module, error) {
	catalog := Catalog()
	byName := make(map[string]core.Module, len(catalog))
	for _, m := range catalog {
		byName[m.Name()] = m
	}

	if len(requested) == 0 {
		var out []core.Module
		for _, m := range catalog {
			if cfg.IsModuleEnabled(m.Name()) {
				out = append(out, m)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("no modules enabled")
		}
		return out, nil
	}

	var out []core.Module
	for _, name := range requested {
		m, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown module %q", name)
		}
		out = append(out, m)
	}
	return out, nil
}
