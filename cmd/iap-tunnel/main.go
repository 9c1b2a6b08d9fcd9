// Package main is the entry point for the iap-tunnel binary.
//
// iap-tunnel keeps one local port forwarded to a private Cloud SQL address
// through an IAP-enabled bastion VM. The forward itself is a detached
// `gcloud compute ssh` process; this binary starts, stops and inspects it.
//
// When invoked without arguments, it launches the dashboard. Subcommands
// (status, start, stop, restart, logs, events, config, doctor) run once
// and exit. Quitting the dashboard leaves the tunnel running.
//
// Usage:
//
//	iap-tunnel                 # launch the dashboard
//	iap-tunnel config set bastion_zone us-central1-a
//	iap-tunnel start           # start the tunnel in the background
//	iap-tunnel status --json   # machine readable status
package main

import (
	"fmt"
	"os"

	"github.com/treykane/iap-tunnel/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
