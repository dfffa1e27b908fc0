package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"sigmasockets/internal/audit"
)

// Version is the CLI's self-reported version string, independent of
// sigmasockets.ProtocolVersion (the wire protocol can version
// separately from the binary).
const Version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main can fall through to flag parsing and serving
// otherwise.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("sigmasockets-server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "bench":
		return cliBench(args[1:])
	default:
		return false
	}
}

// cliStatus opens the audit database (creating it if absent, matching
// the teacher's store.New semantics) and prints a human-readable
// summary of recorded security events: their count, the database size
// and the five most recent. Persisted operator settings are not shown.
func cliStatus(dbPath string) bool {
	st, err := audit.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening audit database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	n, err := st.Count()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("sigmasockets-server %s\n", Version)
	fmt.Printf("Audit database: %s\n", dbPath)
	fmt.Printf("Security events recorded: %d\n", n)

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("Database size: %s\n", humanize.Bytes(uint64(info.Size())))
	}

	events, err := st.ListSecurityEvents("", 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing events: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No security events recorded.")
		return true
	}
	fmt.Println("Most recent events:")
	for _, ev := range events {
		when := time.Unix(ev.CreatedAt, 0)
		fmt.Printf("  [%s] %s from %s: %s (%s)\n",
			humanize.Time(when), ev.Kind, ev.RemoteAddr, ev.Reason, when.Format(time.RFC3339))
	}
	return true
}
