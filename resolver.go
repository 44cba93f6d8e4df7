// Package dnsd implements a recursive and authoritative DNS name server:
// it answers queries within its configured zone authoritatively, and
// resolves everything else by iterating the DNS hierarchy from the root
// downward, caching what it learns along the way.
package dnsd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/miekg/dns"
)

const (
	// rootPort is the project-specific port every upstream server in the
	// hierarchy listens on, root included. Not the real DNS port 53.
	rootPort = 60053
	// maxSteps bounds a single iterative resolution loop. A nested
	// resolution of an NS target's address runs with its own budget of the
	// same size.
	maxSteps = 20
)

// QueryLog describes one upstream query performed in the course of a
// resolution.
type QueryLog struct {
	Server   string        `json:"server"`
	Domain   string        `json:"domain"`
	CacheHit bool          `json:"cacheHit,omitempty"`
	Latency  time.Duration `json:"latencyNs"`
	Error    string        `json:"error,omitempty"`
}

// LookupLog describes a complete iterative resolution, one QueryLog entry
// per step taken (including steps spent on nested NS-address lookups).
type LookupLog struct {
	RequestID string        `json:"requestId"`
	Question  dns.Question  `json:"question"`
	Started   time.Time     `json:"started"`
	Latency   time.Duration `json:"latencyNs"`
	Steps     []QueryLog    `json:"steps"`
}

func (ll *LookupLog) logJSON() {
	b, err := json.Marshal(ll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode lookup log: %s\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, string(b))
}

// Resolver performs iterative resolution of queries that fall outside a
// configured zone, starting from a configured root hint and storing
// successful answers in a Cache.
type Resolver struct {
	rootIP string
	cache  *Cache
}

// NewResolver returns a Resolver that starts every resolution at
// rootIP:60053 and stores results in cache.
func NewResolver(rootIP string, cache *Cache) *Resolver {
	return &Resolver{rootIP: rootIP, cache: cache}
}

// Lookup performs an iterative resolution of q. It always returns a
// message: either a successful or delegation-only reply learned from the
// hierarchy, or a SERVFAIL if no upstream server ever responded.
func (rr *Resolver) Lookup(ctx context.Context, q dns.Question, requestID string) *dns.Msg {
	ll := &LookupLog{RequestID: requestID, Question: q, Started: time.Now()}
	defer func() {
		ll.Latency = time.Since(ll.Started)
		ll.logJSON()
	}()
	return rr.lookup(ctx, q, ll, maxSteps)
}

// lookup is the data-driven resolution loop described in the Design Notes:
// modeled as a loop over (serverIP, currentDomain, steps remaining) rather
// than recursion on the call stack, so stack depth never grows with the
// number of delegations followed. A nested resolution of an NS target's own
// address (step 7) re-enters this same loop with a fresh question and its
// own budget.
func (rr *Resolver) lookup(ctx context.Context, q dns.Question, ll *LookupLog, budget int) *dns.Msg {
	serverIP := rr.rootIP
	currentDomain := "."
	var lastReply *dns.Msg

	for steps := budget; steps > 0; steps-- {
		req := new(dns.Msg)
		req.Id = dns.Id()
		req.RecursionDesired = true
		req.Question = []dns.Question{q}

		start := time.Now()
		reply, err := QueryUpstream(serverIP, rootPort, req)
		entry := QueryLog{Server: serverIP, Domain: currentDomain, Latency: time.Since(start)}
		if err != nil {
			entry.Error = err.Error()
			ll.Steps = append(ll.Steps, entry)
			return servfail(req)
		}
		ll.Steps = append(ll.Steps, entry)

		filtered := FilterBailiwick(currentDomain, reply)
		lastReply = filtered

		if len(filtered.Answer) > 0 {
			rr.cache.Store(q.Name, q.Qtype, filtered)
			return filtered
		}

		nsRecords := nsRRs(filtered.Ns)
		if len(nsRecords) == 0 {
			return filtered
		}

		nextIP, nextDomain, ok := glueAddr(nsRecords, filtered.Extra)
		if !ok {
			nsTarget := nsRecords[0].(*dns.NS).Ns
			addr, resolved := rr.resolveNSAddr(ctx, nsTarget, ll)
			if !resolved {
				return filtered
			}
			nextIP, nextDomain = addr, nsTarget
		}
		serverIP, currentDomain = nextIP, nextDomain
	}
	if lastReply != nil {
		return lastReply
	}
	m := new(dns.Msg)
	m.Rcode = dns.RcodeServerFailure
	return m
}

// resolveNSAddr performs a nested iterative resolution of (nsTarget, A),
// with recursion desired and its own fresh step budget.
func (rr *Resolver) resolveNSAddr(ctx context.Context, nsTarget string, ll *LookupLog) (string, bool) {
	nestedQ := dns.Question{Name: nsTarget, Qtype: dns.TypeA, Qclass: dns.ClassINET}
	reply := rr.lookup(ctx, nestedQ, ll, maxSteps)
	if reply == nil || reply.Rcode != dns.RcodeSuccess {
		return "", false
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), true
		}
	}
	return "", false
}

func nsRRs(section []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range section {
		if rr.Header().Rrtype == dns.TypeNS {
			out = append(out, rr)
		}
	}
	return out
}

// glueAddr returns the glue address and the target name of the first NS
// record (in authority-section order) whose target has a matching A record
// in the additional section (in additional-section order).
func glueAddr(nsRecords, additional []dns.RR) (ip string, domain string, ok bool) {
	for _, rr := range nsRecords {
		ns := rr.(*dns.NS)
		for _, a := range additional {
			arec, isA := a.(*dns.A)
			if isA && normalizeName(arec.Header().Name) == normalizeName(ns.Ns) {
				return arec.A.String(), ns.Ns, true
			}
		}
	}
	return "", "", false
}
