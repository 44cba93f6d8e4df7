package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jmhodges/clock"

	"github.com/zonewalker/dnsd"
)

func main() {
	port := flag.Int("port", 0, "UDP port to bind to; 0 lets the OS assign one")
	flag.Parse()

	args := flag.Args()
	if len(args) > 2 {
		// flag stops at the first positional argument; parse any flags
		// that follow the positionals, as in the usage line.
		flag.CommandLine.Parse(args[2:])
		args = append([]string{args[0], args[1]}, flag.Args()...)
	}
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: dnsd <root_ip> <zone_path> [--port N]")
		os.Exit(2)
	}
	rootIP, zonePath := args[0], args[1]

	zone, err := dnsd.LoadZone(zonePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading zone: %s\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "authoritative for %s\n", zone.Apex())

	cache := dnsd.NewCache(clock.Default())
	resolver := dnsd.NewResolver(rootIP, cache)

	disp, err := dnsd.NewDispatcher(*port, zone, cache, resolver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting dispatcher: %s\n", err)
		os.Exit(1)
	}
	defer disp.Close()

	if err := disp.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "server stopped: %s\n", err)
		os.Exit(1)
	}
}
