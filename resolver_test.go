package dnsd

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
)

// fakeRootServer binds to the fixed upstream port every server in this
// project's hierarchy uses, and answers each datagram it receives with
// whatever respond returns for that call number (1-indexed). Returning nil
// simulates a server that never replies.
func fakeRootServer(t *testing.T, respond func(call int, req *dns.Msg) *dns.Msg) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: rootPort})
	if err != nil {
		t.Fatalf("binding fake root server on port %d: %s", rootPort, err)
	}
	t.Cleanup(func() { conn.Close() })

	var calls int32
	go func() {
		buf := make([]byte, maxUDPMessageSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			call := int(atomic.AddInt32(&calls, 1))
			reply := respond(call, req)
			if reply == nil {
				continue
			}
			wire, err := reply.Pack()
			if err != nil {
				continue
			}
			conn.WriteToUDP(wire, addr)
		}
	}()
}

func TestResolverDirectAnswerIsCachedAndReturned(t *testing.T) {
	withShortUpstreamTimeouts(t)
	fakeRootServer(t, func(call int, req *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = []dns.RR{aRecord("host.example.org.", 300, "198.51.100.1")}
		return m
	})

	cache := NewCache(clock.NewFake())
	r := NewResolver("127.0.0.1", cache)
	q := dns.Question{Name: "host.example.org.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	reply := r.Lookup(context.Background(), q, "req-1")
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) != 1 {
		t.Fatalf("unexpected reply: %v", reply)
	}

	cached := cache.Lookup("host.example.org.", dns.TypeA)
	if cached == nil || len(cached.Answer) != 1 {
		t.Fatalf("expected the direct answer to be cached, got %v", cached)
	}
}

// TestResolverFollowsGlueDelegation exercises scenario 4 from the spec:
// a root referral with glue, followed by an answer from the glued
// nameserver. To satisfy bailiwick (current_domain is set to the NS
// target's own name per spec §4.6 step 6, not the delegated zone), the
// question asked is the NS target's own address, whose owner name is
// exactly the bailiwick it will be filtered against.
func TestResolverFollowsGlueDelegation(t *testing.T) {
	withShortUpstreamTimeouts(t)
	fakeRootServer(t, func(call int, req *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetReply(req)
		switch call {
		case 1:
			m.Ns = []dns.RR{&dns.NS{
				Hdr: dns.RR_Header{Name: "example.net.", Rrtype: dns.TypeNS},
				Ns:  "ns1.example.net.",
			}}
			m.Extra = []dns.RR{aRecord("ns1.example.net.", 300, "127.0.0.1")}
		default:
			m.Answer = []dns.RR{aRecord("ns1.example.net.", 300, "192.0.2.53")}
		}
		return m
	})

	cache := NewCache(clock.NewFake())
	r := NewResolver("127.0.0.1", cache)
	q := dns.Question{Name: "ns1.example.net.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	reply := r.Lookup(context.Background(), q, "req-2")
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) != 1 {
		t.Fatalf("unexpected reply: %v", reply)
	}
	if got := reply.Answer[0].(*dns.A).A.String(); got != "192.0.2.53" {
		t.Fatalf("unexpected answer address: %s", got)
	}
}

// TestResolverDropsOutOfBailiwickGlue exercises scenario 5: an upstream
// reply's additional section contains a record outside the current
// bailiwick. It must be dropped from the filtered reply and never reach
// the cache.
func TestResolverDropsOutOfBailiwickGlue(t *testing.T) {
	withShortUpstreamTimeouts(t)
	fakeRootServer(t, func(call int, req *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetReply(req)
		switch call {
		case 1:
			m.Ns = []dns.RR{&dns.NS{
				Hdr: dns.RR_Header{Name: "example.net.", Rrtype: dns.TypeNS},
				Ns:  "ns1.example.net.",
			}}
			m.Extra = []dns.RR{aRecord("ns1.example.net.", 300, "127.0.0.1")}
		default:
			m.Answer = []dns.RR{aRecord("ns1.example.net.", 300, "192.0.2.53")}
			m.Extra = []dns.RR{aRecord("evil.com.", 300, "6.6.6.6")}
		}
		return m
	})

	cache := NewCache(clock.NewFake())
	r := NewResolver("127.0.0.1", cache)
	q := dns.Question{Name: "ns1.example.net.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	reply := r.Lookup(context.Background(), q, "req-3")
	for _, rr := range reply.Extra {
		if normalizeName(rr.Header().Name) == "evil.com" {
			t.Fatalf("out-of-bailiwick record survived filtering: %v", reply.Extra)
		}
	}
	if cache.Lookup("evil.com", dns.TypeA) != nil {
		t.Fatal("out-of-bailiwick record leaked into the cache")
	}
}

// TestResolverStepBudgetExhausted pins a resolution in an endless referral
// loop and checks that it terminates after the step budget, returning the
// last delegation-only reply rather than hanging or erroring.
func TestResolverStepBudgetExhausted(t *testing.T) {
	withShortUpstreamTimeouts(t)
	var calls int32
	fakeRootServer(t, func(call int, req *dns.Msg) *dns.Msg {
		atomic.StoreInt32(&calls, int32(call))
		m := new(dns.Msg)
		m.SetReply(req)
		// Owner "loop." is in-bailiwick of itself at every step once
		// current_domain settles on it, so the referral never resolves
		// and never gets filtered away either; only the step budget ends it.
		m.Ns = []dns.RR{&dns.NS{
			Hdr: dns.RR_Header{Name: "loop.", Rrtype: dns.TypeNS},
			Ns:  "loop.",
		}}
		m.Extra = []dns.RR{aRecord("loop.", 300, "127.0.0.1")}
		return m
	})

	cache := NewCache(clock.NewFake())
	r := NewResolver("127.0.0.1", cache)
	q := dns.Question{Name: "unresolvable.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	reply := r.Lookup(context.Background(), q, "req-4")
	if reply == nil {
		t.Fatal("expected a delegation-only reply, got nil")
	}
	if len(reply.Answer) != 0 {
		t.Fatalf("expected no answer from an endless referral, got %v", reply.Answer)
	}
	if atomic.LoadInt32(&calls) != maxSteps {
		t.Fatalf("expected the resolution to spend its whole step budget (%d), spent %d", maxSteps, calls)
	}
}
