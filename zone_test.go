package dnsd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
)

const testZoneText = `
example.com.       3600 IN SOA  ns1.example.com. admin.example.com. 1 3600 600 604800 60
example.com.       3600 IN NS   ns1.example.com.
ns1.example.com.   3600 IN A    192.0.2.1
www.example.com.   300  IN A    10.0.0.1
a.example.com.      60  IN CNAME b.example.com.
b.example.com.     300  IN A    10.0.0.2
`

func writeTestZone(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.zone")
	if err := os.WriteFile(path, []byte(testZoneText), 0o644); err != nil {
		t.Fatalf("writing test zone: %s", err)
	}
	return path
}

func TestLoadZone(t *testing.T) {
	z, err := LoadZone(writeTestZone(t))
	if err != nil {
		t.Fatalf("LoadZone failed: %s", err)
	}
	if z.Apex() != "example.com" {
		t.Fatalf("wrong apex: expected %q, got %q", "example.com", z.Apex())
	}
	if len(z.ApexNS()) != 1 {
		t.Fatalf("expected 1 apex NS record, got %d", len(z.ApexNS()))
	}

	www := z.Lookup("WWW.Example.Com.")
	if len(www) != 1 || www[0].Header().Rrtype != dns.TypeA {
		t.Fatalf("expected a single A record for www.example.com, got %v", www)
	}
}

func TestLoadZoneNoSOA(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nosoa.zone")
	if err := os.WriteFile(path, []byte("www.example.com. 300 IN A 10.0.0.1\n"), 0o644); err != nil {
		t.Fatalf("writing test zone: %s", err)
	}
	if _, err := LoadZone(path); err == nil {
		t.Fatal("expected an error loading a zone file with no SOA record")
	}
}

func TestIsAuthoritative(t *testing.T) {
	z, err := LoadZone(writeTestZone(t))
	if err != nil {
		t.Fatalf("LoadZone failed: %s", err)
	}
	for _, tc := range []struct {
		name     string
		expected bool
	}{
		{"example.com", true},
		{"example.com.", true},
		{"EXAMPLE.COM", true},
		{"www.example.com", true},
		{"www.example.com.", true},
		{"notexample.com", false},
		{"com", false},
		{"example.net", false},
	} {
		if got := z.IsAuthoritative(tc.name); got != tc.expected {
			t.Errorf("IsAuthoritative(%q): expected %t, got %t", tc.name, tc.expected, got)
		}
	}
}
