package dnsd

import (
	"strings"

	"github.com/miekg/dns"
)

// normalizeName lowercases name and strips a single trailing dot, the
// canonical form used at every map and comparison boundary: zone load,
// cache insert, cache lookup, and bailiwick checks.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// servfail builds a SERVFAIL reply to req, preserving its id and question.
func servfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	m.RecursionAvailable = true
	return m
}
