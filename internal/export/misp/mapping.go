package misp

import (
	"strings"

	"github.com/tracelight-project/tracelight/internal/core"
)

// attributeTypes maps scan event types to MISP attribute types. Types not
// listed fall through to mapType's default handling.
var attributeTypes = map[core.EventType]string{
	core.TypeDomainName:      "domain",
	core.TypeInternetName:    "hostname",
	core.TypeIPAddress:       "ip-dst",
	core.TypeIPv6Address:     "ip-dst",
	core.TypeNetblock:        "ip-dst",
	core.TypeEmailAddr:       "email-src",
	core.TypePhoneNumber:     "phone-number",
	core.TypeHumanName:       "first-name",
	core.TypeUsername:        "github-username",
	core.TypeASN:             "AS",
	core.TypeURL:             "url",
	core.TypeSSLCertRaw:      "x509-fingerprint-sha256",
	core.TypeTCPPortOpen:     "port",
	core.TypeVulnerability:   "vulnerability",
	core.TypeMaliciousIP:     "ip-dst",
	core.TypeMaliciousHost:   "hostname",
	core.TypeAffiliateHost:   "hostname",
	core.TypeCompanyName:     "text",
	core.TypeProviderDNS:     "hostname",
	core.TypeProviderMail:    "hostname",
	core.TypeWebserverBanner: "text",
}

// attributeCategories maps scan event types to MISP categories.
var attributeCategories = map[core.EventType]string{
	core.TypeDomainName:      "Network activity",
	core.TypeInternetName:    "Network activity",
	core.TypeIPAddress:       "Network activity",
	core.TypeIPv6Address:     "Network activity",
	core.TypeNetblock:        "Network activity",
	core.TypeEmailAddr:       "Social network",
	core.TypePhoneNumber:     "Person",
	core.TypeHumanName:       "Person",
	core.TypeUsername:        "Social network",
	core.TypeASN:             "Network activity",
	core.TypeURL:             "Network activity",
	core.TypeSSLCertRaw:      "Network activity",
	core.TypeTCPPortOpen:     "Network activity",
	core.TypeVulnerability:   "External analysis",
	core.TypeMaliciousIP:     "Network activity",
	core.TypeMaliciousHost:   "Network activity",
	core.TypeAffiliateHost:   "Network activity",
	core.TypeCompanyName:     "Attribution",
	core.TypeProviderDNS:     "Network activity",
	core.TypeProviderMail:    "Network activity",
	core.TypeWebserverBanner: "External analysis",
}

// mapType resolves an event type to its MISP attribute type. Unmapped
// types export as free text so nothing is silently dropped.
func mapType(t core.EventType) string {
	if mt, ok := attributeTypes[t]; ok {
		return mt
	}
	return "text"
}

// mapCategory resolves an event type to its MISP category.
func mapCategory(t core.EventType) string {
	if c, ok := attributeCategories[t]; ok {
		return c
	}
	return "Other"
}

// objectName derives a MISP object name from an event type, in the
// sf-<type> convention: TCP_PORT_OPEN becomes sf-tcp-port-open.
func objectName(t core.EventType) string {
	return "sf-" + strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}
