package dnsd

import (
	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// Zone holds the resource records parsed from a single master-file zone,
// grouped by owner name. It is built once at startup and never mutated.
type Zone struct {
	apex    string
	records map[string][]dns.RR
	apexNS  []dns.RR
}

// LoadZone parses the master-file zone at path and returns the resulting
// Zone. The apex is the normalized owner of the first SOA record
// encountered; a zone file with no SOA record is rejected.
func LoadZone(path string) (*Zone, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening zone file: %w", err)
	}
	defer f.Close()
	return parseZone(f, path)
}

func parseZone(f *os.File, path string) (*Zone, error) {
	z := &Zone{records: make(map[string][]dns.RR)}

	zp := dns.NewZoneParser(f, "", path)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		owner := normalizeName(rr.Header().Name)
		z.records[owner] = append(z.records[owner], rr)
		if z.apex == "" {
			if _, isSOA := rr.(*dns.SOA); isSOA {
				z.apex = owner
			}
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parsing zone file %s: %w", path, err)
	}
	if z.apex == "" {
		return nil, fmt.Errorf("zone file %s contains no SOA record", path)
	}

	// NS records owned by the apex may be parsed before the SOA that
	// establishes the apex, so collect apexNS after the full pass.
	for _, rr := range z.records[z.apex] {
		if rr.Header().Rrtype == dns.TypeNS {
			z.apexNS = append(z.apexNS, rr)
		}
	}
	return z, nil
}

// Apex returns the normalized owner of the zone's SOA record.
func (z *Zone) Apex() string { return z.apex }

// ApexNS returns the NS records owned by the zone apex, in file order.
func (z *Zone) ApexNS() []dns.RR { return z.apexNS }

// Lookup returns every RR owned by name, in file order. name need not be
// normalized by the caller.
func (z *Zone) Lookup(name string) []dns.RR {
	return z.records[normalizeName(name)]
}

// IsAuthoritative reports whether qname falls within this zone: equal to
// the apex, or a subdomain of it on a label boundary.
func (z *Zone) IsAuthoritative(qname string) bool {
	n := normalizeName(qname)
	return n == z.apex || strings.HasSuffix(n, "."+z.apex)
}
