package dnsd

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// Dispatcher owns a bound UDP socket and fans out each incoming datagram to
// an independent worker goroutine, which answers authoritatively, from
// cache, or via the iterative resolver.
type Dispatcher struct {
	conn      *net.UDPConn
	zone      *Zone
	responder *Responder
	cache     *Cache
	resolver  *Resolver
}

// NewDispatcher binds a UDP socket on loopback:port (port 0 lets the OS
// assign one) and wires together the authoritative responder, cache, and
// resolver it will route requests to.
func NewDispatcher(port int, zone *Zone, cache *Cache, resolver *Resolver) (*Dispatcher, error) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding socket: %w", err)
	}
	return &Dispatcher{
		conn:      conn,
		zone:      zone,
		responder: NewResponder(zone),
		cache:     cache,
		resolver:  resolver,
	}, nil
}

// Port returns the UDP port actually bound, useful when NewDispatcher was
// given port 0.
func (d *Dispatcher) Port() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the bound socket.
func (d *Dispatcher) Close() error { return d.conn.Close() }

// Serve reads datagrams until the socket is closed or reading otherwise
// fails, dispatching each to its own goroutine.
func (d *Dispatcher) Serve() error {
	fmt.Fprintf(os.Stderr, "bound to port %d\n", d.Port())
	buf := make([]byte, maxUDPMessageSize)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go d.handle(datagram, addr)
	}
}

func (d *Dispatcher) handle(datagram []byte, addr *net.UDPAddr) {
	req := new(dns.Msg)
	if err := req.Unpack(datagram); err != nil {
		// A datagram this malformed may not even carry a usable
		// transaction id; emitting nothing is preferable to guessing one.
		fmt.Fprintf(os.Stderr, "dropping unparseable datagram from %s: %s\n", addr, err)
		return
	}
	if len(req.Question) != 1 {
		d.reply(addr, servfail(req))
		return
	}

	q := req.Question[0]
	if !req.RecursionDesired && !d.zone.IsAuthoritative(q.Name) {
		d.reply(addr, servfail(req))
		return
	}

	if d.zone.IsAuthoritative(q.Name) {
		d.reply(addr, d.responder.Answer(req))
		return
	}

	if cached := d.cache.Lookup(q.Name, q.Qtype); cached != nil {
		d.reply(addr, replyFromCache(req, cached))
		return
	}

	requestID := uuid.NewString()
	result := d.resolver.Lookup(context.Background(), q, requestID)
	d.reply(addr, finalizeRecursiveReply(req, result))
}

// replyFromCache builds a client-facing reply from a cached message: RA is
// always set, AA is always false for cache-served answers.
func replyFromCache(req *dns.Msg, cached *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.RecursionAvailable = true
	m.Authoritative = false
	m.Rcode = cached.Rcode
	m.Answer = cached.Answer
	m.Ns = cached.Ns
	m.Extra = cached.Extra
	return m
}

// finalizeRecursiveReply rewrites a message produced by the resolver (whose
// id, question, and flags reflect the last upstream exchange) into a
// client-facing reply carrying the original request's id and question.
func finalizeRecursiveReply(req *dns.Msg, result *dns.Msg) *dns.Msg {
	result.Id = req.Id
	result.Response = true
	result.Authoritative = false
	result.RecursionAvailable = true
	result.Question = req.Question
	return result
}

func (d *Dispatcher) reply(addr *net.UDPAddr, m *dns.Msg) {
	wire, err := m.Pack()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to pack reply to %s: %s\n", addr, err)
		return
	}
	if _, err := d.conn.WriteToUDP(wire, addr); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write reply to %s: %s\n", addr, err)
	}
}
