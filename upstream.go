package dnsd

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// queryTimeout bounds a single attempt to an upstream server, and
// maxRetries is the number of additional attempts after the first. Both are
// vars rather than consts so tests can shrink them instead of waiting out
// the production timeout.
var (
	queryTimeout = 1 * time.Second
	maxRetries   = 5
)

const maxUDPMessageSize = 65535

// QueryUpstream sends req to (ip, port) as a single UDP datagram, waiting
// up to queryTimeout for a reply and retrying up to maxRetries additional
// times on timeout. Each attempt uses a fresh ephemeral source socket; no
// transaction-id matching is needed since only one query is ever
// outstanding per socket. It returns the first successfully parsed reply,
// or an error once retries are exhausted or a non-timeout socket error
// occurs.
func QueryUpstream(ip string, port int, req *dns.Msg) (*dns.Msg, error) {
	wire, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing query: %w", err)
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		reply, err := attemptQuery(addr, wire)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if isTimeout(err) {
			fmt.Fprintf(os.Stderr, "query to %s timed out (attempt %d)\n", addr, attempt+1)
			continue
		}
		fmt.Fprintf(os.Stderr, "query to %s failed: %s\n", addr, err)
		return nil, err
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func attemptQuery(addr string, wire []byte) (*dns.Msg, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(queryTimeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, err
	}

	buf := make([]byte, maxUDPMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(buf[:n]); err != nil {
		return nil, fmt.Errorf("unpacking reply from %s: %w", addr, err)
	}
	return reply, nil
}
