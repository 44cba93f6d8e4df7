package dnsd

import (
	"strings"

	"github.com/miekg/dns"
)

// InBailiwick reports whether name falls within domain's bailiwick: domain
// itself, or a subdomain of it on a label boundary. The root domain "."
// (and the empty string) contains every name, matching the initial step of
// an iterative resolution.
func InBailiwick(domain, name string) bool {
	d := normalizeName(domain)
	if d == "" {
		return true
	}
	n := normalizeName(name)
	return n == d || strings.HasSuffix(n, "."+d)
}

// FilterBailiwick returns a copy of msg whose answer, authority, and
// additional sections retain only the records owned by domain or a
// subdomain of it. The header and question are preserved verbatim. This is
// the trust boundary for every upstream reply: it must run before any
// section is inspected for delegation or cache admission.
func FilterBailiwick(domain string, msg *dns.Msg) *dns.Msg {
	out := msg.Copy()
	out.Answer = filterSection(domain, msg.Answer)
	out.Ns = filterSection(domain, msg.Ns)
	out.Extra = filterSection(domain, msg.Extra)
	return out
}

func filterSection(domain string, section []dns.RR) []dns.RR {
	if len(section) == 0 {
		return nil
	}
	kept := make([]dns.RR, 0, len(section))
	for _, rr := range section {
		if InBailiwick(domain, rr.Header().Name) {
			kept = append(kept, rr)
		}
	}
	return kept
}
