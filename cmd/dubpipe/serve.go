package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/dubpipe/internal/config"
	"github.com/allaspectsdev/dubpipe/internal/daemon"
)

// cmdServe starts the HTTP API server in the foreground. Unlike the
// teacher's "start" (which could background itself and be stopped later
// with "stop"), serve always runs attached to the terminal; "stop" still
// works against it from another terminal since it writes the same PID
// file.
func cmdServe(args []string) {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Run(cfg, true); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("dubpipe stopped")
}

func cmdStatus() {
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
