package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/allaspectsdev/dubpipe/internal/config"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/planner"
	"github.com/allaspectsdev/dubpipe/internal/runner"
	"github.com/allaspectsdev/dubpipe/internal/stream"
	"github.com/allaspectsdev/dubpipe/pkg/phaseimpl"
)

const manifestFilename = "manifest.json"

// runFlags holds the flags cmdRun understands. Parsing is a plain manual
// os.Args scan rather than a flag package, since the runner's own inputs
// (workspace, from/to, force set) are the only arguments this CLI ever
// needs.
type runFlags struct {
	workspace string
	from      string
	to        string
	force     []string
}

func parseRunFlags(args []string) runFlags {
	var f runFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workspace":
			i++
			if i < len(args) {
				f.workspace = args[i]
			}
		case "--from":
			i++
			if i < len(args) {
				f.from = args[i]
			}
		case "--to":
			i++
			if i < len(args) {
				f.to = args[i]
			}
		case "--force":
			i++
			if i < len(args) {
				f.force = append(f.force, args[i])
			}
		}
	}
	return f
}

func cmdRun(args []string) {
	f := parseRunFlags(args)
	if f.workspace == "" {
		fmt.Fprintln(os.Stderr, "usage: dubpipe run --workspace <id> [--from phase] [--to phase] [--force phase]")
		os.Exit(1)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	root, err := resolveWorkspaceDir(cfg, f.workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	registry, err := phase.NewRegistry(phaseimpl.Specs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building phase registry: %v\n", err)
		os.Exit(1)
	}

	man, err := manifest.Load(filepath.Join(root, manifestFilename), uuid.NewString(), root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading manifest: %v\n", err)
		os.Exit(1)
	}

	plan, err := planner.Build(registry, man, f.from, f.to, f.force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building plan: %v\n", err)
		os.Exit(1)
	}

	events := make(chan stream.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			printEvent(ev)
		}
	}()

	r := runner.New(root, registry, config.CanonicalConfigSlice)
	runErr := r.Run(context.Background(), man, plan, events)
	close(events)
	<-done

	if saveErr := man.Save(); saveErr != nil {
		fmt.Fprintf(os.Stderr, "error saving manifest: %v\n", saveErr)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", runErr)
		os.Exit(1)
	}
}

func printEvent(ev stream.Event) {
	switch ev.Type {
	case stream.TypeLog:
		fmt.Printf("[log] %v\n", ev.Payload["message"])
	case stream.TypePhase:
		fmt.Printf("[phase] %v\n", ev.Payload)
	case stream.TypeGate:
		fmt.Printf("[gate] %v\n", ev.Payload)
	case stream.TypeDone:
		fmt.Printf("[done] %v\n", ev.Payload)
	case stream.TypeError:
		fmt.Printf("[error] %v\n", ev.Payload)
	default:
		fmt.Printf("[%s] %v\n", ev.Type, ev.Payload)
	}
}
