// Package sslcert retrieves TLS certificates from discovered hosts and
// mines them for additional names.
package sslcert

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"strings"
	"time"

	"github.com/tracelight-project/tracelight/internal/core"
)

const ModuleName = "sslcert"

// Collector connects to hosts on their TLS port and captures the
// presented certificate chain. Certificates routinely name hosts the
// rest of the scan never saw: SANs, wildcard entries, shared infra.
type Collector struct{}

func New() *Collector { return &Collector{} }

func (c *Collector) Name() string { return ModuleName }
func (c *Collector) Description() string {
	return "Retrieves TLS certificates and extracts subject and alternative names"
}

func (c *Collector) WatchedTypes() []core.EventType {
	return []core.EventType{core.TypeDomainName, core.TypeInternetName, core.TypeIPAddress}
}

func (c *Collector) ProducedTypes() []core.EventType {
	return []core.EventType{core.TypeSSLCertRaw, core.TypeInternetName, core.TypeTCPPortOpen}
}

func (c *Collector) Options() []core.Option {
	return []core.Option{
		{Name: "port", Default: "443", Description: "TLS port to probe"},
		{Name: "timeout", Default: "10s", Description: "Connection timeout"},
	}
}

func (c *Collector) Execute(ctx context.Context, ev *core.Event, sc *core.ScanContext) error {
	port := sc.Option("port", "443")
	timeout, err := time.ParseDuration(sc.Option("timeout", "10s"))
	if err != nil {
		timeout = 10 * time.Second
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			InsecureSkipVerify: true, // reconnaissance wants the cert, valid or not
			ServerName:         serverName(ev),
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ev.Data, port))
	if err != nil {
		sc.Logger.Debug().Err(err).Str("host", ev.Data).Msg("tls probe failed")
		return nil
	}
	state := conn.(*tls.Conn).ConnectionState()
	conn.Close()

	if len(state.PeerCertificates) == 0 {
		return nil
	}

	if portEv, err := core.NewEvent(core.TypeTCPPortOpen, ev.Data+":"+port, ModuleName, ev); err == nil {
		sc.Emit(portEv)
	}

	leaf := state.PeerCertificates[0]
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
	certEv, err := core.NewEvent(core.TypeSSLCertRaw, string(pemData), ModuleName, ev)
	if err != nil {
		return nil
	}
	if err := sc.Emit(certEv); err != nil {
		return nil
	}

	// Names found in the certificate descend from the certificate event,
	// not from the probed host: the cert is the evidence.
	for _, name := range certNames(leaf) {
		if nameEv, err := core.NewEvent(core.TypeInternetName, name, ModuleName, certEv); err == nil {
			sc.Emit(nameEv)
		}
	}
	return nil
}

// serverName picks an SNI value: hostnames send themselves, bare
// addresses send nothing.
func serverName(ev *core.Event) string {
	if ev.Type == core.TypeIPAddress {
		return ""
	}
	return ev.Data
}

// certNames collects usable hostnames from a certificate, wildcard
// prefixes stripped.
func certNames(cert *x509.Certificate) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		name = strings.TrimPrefix(name, "*.")
		if name == "" || seen[name] || !strings.Contains(name, ".") {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(cert.Subject.CommonName)
	for _, dns := range cert.DNSNames {
		add(dns)
	}
	return out
}

var _ core.Module = (*Collector)(nil)
