package dnsd

import "github.com/miekg/dns"

// Responder answers queries for names within a single configured zone.
type Responder struct {
	zone *Zone
}

// NewResponder returns a Responder authoritative for zone.
func NewResponder(zone *Zone) *Responder {
	return &Responder{zone: zone}
}

// Answer implements the authoritative algorithm: exact type match, CNAME
// chase, NS with glue, and NXDOMAIN with the apex NS in authority.
func (a *Responder) Answer(req *dns.Msg) *dns.Msg {
	q := req.Question[0]
	owner := normalizeName(q.Name)

	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeSuccess

	var found bool
	if q.Qtype == dns.TypeNS {
		found = a.addNSWithGlue(m, owner)
	} else {
		found = a.addExactMatches(m, owner, q.Qtype)
	}
	if !found {
		found = a.addCNAMEChase(m, owner, q.Qtype)
	}

	switch {
	case found && q.Qtype != dns.TypeNS:
		m.Ns = append(m.Ns, a.zone.ApexNS()...)
	case !found:
		m.Rcode = dns.RcodeNameError
		m.Ns = append(m.Ns, a.zone.ApexNS()...)
	}
	return m
}

func (a *Responder) addExactMatches(m *dns.Msg, owner string, qtype uint16) bool {
	found := false
	for _, rr := range a.zone.Lookup(owner) {
		if rr.Header().Rrtype == qtype {
			m.Answer = append(m.Answer, rr)
			found = true
		}
	}
	return found
}

// addCNAMEChase adds the owner's CNAME (if any) and, when its target is
// within the zone, the target's records of the requested type.
func (a *Responder) addCNAMEChase(m *dns.Msg, owner string, qtype uint16) bool {
	for _, rr := range a.zone.Lookup(owner) {
		cname, ok := rr.(*dns.CNAME)
		if !ok {
			continue
		}
		m.Answer = append(m.Answer, cname)
		target := normalizeName(cname.Target)
		if a.zone.IsAuthoritative(target) {
			for _, trr := range a.zone.Lookup(target) {
				if trr.Header().Rrtype == qtype {
					m.Answer = append(m.Answer, trr)
				}
			}
		}
		return true
	}
	return false
}

// addNSWithGlue adds the owner's NS records to the answer and, for each NS
// target with an A record in the zone, the glue A record to the additional
// section.
func (a *Responder) addNSWithGlue(m *dns.Msg, owner string) bool {
	found := false
	for _, rr := range a.zone.Lookup(owner) {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		m.Answer = append(m.Answer, ns)
		found = true
		for _, glue := range a.zone.Lookup(ns.Ns) {
			if glue.Header().Rrtype == dns.TypeA {
				m.Extra = append(m.Extra, glue)
			}
		}
	}
	return found
}
