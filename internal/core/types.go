package core

import (
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// EventType identifies the kind of data an event carries. The taxonomy is
// closed per release; modules may extend it through their ProducedTypes
// declarations, in which case only the generic non-empty check applies.
type EventType string

const (
	TypeRoot           EventType = "ROOT"
	TypeDomainName     EventType = "DOMAIN_NAME"
	TypeInternetName   EventType = "INTERNET_NAME"
	TypeIPAddress      EventType = "IP_ADDRESS"
	TypeIPv6Address    EventType = "IPV6_ADDRESS"
	TypeNetblock       EventType = "NETBLOCK_OWNER"
	TypeEmailAddr      EventType = "EMAILADDR"
	TypePhoneNumber    EventType = "PHONE_NUMBER"
	TypeHumanName      EventType = "HUMAN_NAME"
	TypeUsername       EventType = "USERNAME"
	TypeASN            EventType = "BGP_AS_OWNER"
	TypeURL            EventType = "URL"
	TypeSSLCertRaw     EventType = "SSL_CERTIFICATE_RAW"
	TypeTCPPortOpen    EventType = "TCP_PORT_OPEN"
	TypeVulnerability  EventType = "VULNERABILITY"
	TypeMaliciousIP    EventType = "MALICIOUS_IPADDR"
	TypeMaliciousHost  EventType = "MALICIOUS_INTERNET_NAME"
	TypeAffiliateHost  EventType = "AFFILIATE_INTERNET_NAME"
	TypeCompanyName    EventType = "COMPANY_NAME"
	TypeProviderDNS    EventType = "PROVIDER_DNS"
	TypeProviderMail   EventType = "PROVIDER_MAIL"
	TypeRawData        EventType = "RAW_DATA"
	TypeRawRIRData     EventType = "RAW_RIR_DATA"
	TypeWebserverBanner EventType = "WEBSERVER_BANNER"
)

var (
	hostnameRe = regexp.MustCompile(`^([a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?\.)+[a-zA-Z]{2,}\.?$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe    = regexp.MustCompile(`^\+?[0-9][0-9 .()-]{5,20}$`)
	usernameRe = regexp.MustCompile(`^[^\s]{2,64}$`)
)

// typeValidators holds per-type structural checks for the built-in taxonomy.
// Types without an entry only require non-empty data.
var typeValidators = map[EventType]func(string) bool{
	TypeDomainName:   func(s string) bool { return hostnameRe.MatchString(s) },
	TypeInternetName: func(s string) bool { return hostnameRe.MatchString(s) },
	TypeAffiliateHost: func(s string) bool { return hostnameRe.MatchString(s) },
	TypeMaliciousHost: func(s string) bool { return hostnameRe.MatchString(s) },
	TypeIPAddress: func(s string) bool {
		a, err := netip.ParseAddr(s)
		return err == nil && a.Is4()
	},
	TypeIPv6Address: func(s string) bool {
		a, err := netip.ParseAddr(s)
		return err == nil && a.Is6() && !a.Is4In6()
	},
	TypeMaliciousIP: func(s string) bool {
		_, err := netip.ParseAddr(s)
		return err == nil
	},
	TypeNetblock: func(s string) bool {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	},
	TypeEmailAddr: func(s string) bool { return emailRe.MatchString(s) },
	TypePhoneNumber: func(s string) bool { return phoneRe.MatchString(s) },
	TypeUsername:  func(s string) bool { return usernameRe.MatchString(s) },
	TypeURL: func(s string) bool {
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	},
	TypeASN: func(s string) bool {
		n := strings.TrimPrefix(strings.ToUpper(s), "AS")
		_, err := strconv.Atoi(n)
		return err == nil
	},
	TypeTCPPortOpen: func(s string) bool {
		// host:port or bare port
		p := s
		if i := strings.LastIndex(s, ":"); i >= 0 {
			p = s[i+1:]
		}
		n, err := strconv.Atoi(p)
		return err == nil && n > 0 && n < 65536
	},
}

// TypeRegistry is the set of event types a scan accepts, built from the
// built-in taxonomy plus every type the resolved module set declares it may
// produce. It is assembled once at scan start and never mutated after.
type TypeRegistry struct {
	known map[EventType]struct{}
}

// NewTypeRegistry builds a registry from the built-in taxonomy plus extras.
func NewTypeRegistry(extra ...EventType) *TypeRegistry {
	known := make(map[EventType]struct{}, len(typeValidators)+16)
	for _, t := range builtinTypes() {
		known[t] = struct{}{}
	}
	for _, t := range extra {
		known[t] = struct{}{}
	}
	return &TypeRegistry{known: known}
}

func builtinTypes() []EventType {
	return []EventType{
		TypeRoot, TypeDomainName, TypeInternetName, TypeIPAddress,
		TypeIPv6Address, TypeNetblock, TypeEmailAddr, TypePhoneNumber,
		TypeHumanName, TypeUsername, TypeASN, TypeURL, TypeSSLCertRaw,
		TypeTCPPortOpen, TypeVulnerability, TypeMaliciousIP, TypeMaliciousHost,
		TypeAffiliateHost, TypeCompanyName, TypeProviderDNS, TypeProviderMail,
		TypeRawData, TypeRawRIRData, TypeWebserverBanner,
	}
}

// Known reports whether a type is registered.
func (r *TypeRegistry) Known(t EventType) bool {
	_, ok := r.known[t]
	return ok
}

// Types returns all registered types.
func (r *TypeRegistry) Types() []EventType {
	out := make([]EventType, 0, len(r.known))
	for t := range r.known {
		out = append(out, t)
	}
	return out
}

// ValidateEvent checks structural validity of an event: non-empty typed data,
// data shape matching the declared type, and score scalars within 0-100.
// Failures are *ValidationError — local and recoverable; the orchestrator
// drops the event and the emitting module continues.
func ValidateEvent(e *Event) error {
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "empty event type"}
	}
	if e.Data == "" {
		return &ValidationError{Field: "data", Reason: "empty event data", Type: e.Type}
	}
	if e.Module == "" {
		return &ValidationError{Field: "module", Reason: "empty module name", Type: e.Type}
	}
	for _, sc := range []struct {
		name string
		val  int
	}{{"confidence", e.Confidence}, {"visibility", e.Visibility}, {"risk", e.Risk}} {
		if sc.val < 0 || sc.val > 100 {
			return &ValidationError{Field: sc.name, Reason: "value outside 0-100", Type: e.Type}
		}
	}
	if check, ok := typeValidators[e.Type]; ok && !check(e.Data) {
		return &ValidationError{Field: "data", Reason: "data does not parse as " + string(e.Type), Type: e.Type}
	}
	return nil
}
