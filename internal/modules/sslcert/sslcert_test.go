package sslcert

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/tracelight-project/tracelight/internal/core"
)

func TestCertNames(t *testing.T) {
	cert := &x509.Certificate{
		Subject: pkix.Name{CommonName: "*.Acme.IO"},
		DNSNames: []string{
			"acme.io",        // duplicate of the stripped CN
			"www.acme.io",
			"*.cdn.acme.io",  // wildcard stripped
			"localhost",      // no dot, skipped
			" mail.acme.io ", // whitespace trimmed
		},
	}
	got := certNames(cert)
	want := []string{"acme.io", "www.acme.io", "cdn.acme.io", "mail.acme.io"}
	if len(got) != len(want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestServerNameForAddressEvents(t *testing.T) {
	root, err := core.NewRootEvent("scan", core.TypeDomainName, "acme.io")
	if err != nil {
		t.Fatal(err)
	}
	if got := serverName(root); got != "acme.io" {
		t.Errorf("serverName(domain) = %q", got)
	}

	ip, err := core.NewEvent(core.TypeIPAddress, "192.0.2.1", "dnsresolve", root)
	if err != nil {
		t.Fatal(err)
	}
	if got := serverName(ip); got != "" {
		t.Errorf("serverName(ip) = %q, want empty SNI", got)
	}
}
