package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/allaspectsdev/dubpipe/internal/config"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/runner"
)

func cmdBless(args []string) {
	var workspace, phaseName string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workspace":
			i++
			if i < len(args) {
				workspace = args[i]
			}
		case "--phase":
			i++
			if i < len(args) {
				phaseName = args[i]
			}
		}
	}

	if workspace == "" || phaseName == "" {
		fmt.Fprintln(os.Stderr, "usage: dubpipe bless --workspace <id> --phase <name>")
		os.Exit(1)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	root, err := resolveWorkspaceDir(cfg, workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	man, err := manifest.Load(filepath.Join(root, manifestFilename), uuid.NewString(), root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading manifest: %v\n", err)
		os.Exit(1)
	}

	if err := runner.Bless(root, man, phaseName); err != nil {
		fmt.Fprintf(os.Stderr, "bless failed: %v\n", err)
		os.Exit(1)
	}

	if err := man.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "error saving manifest: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("blessed %s in workspace %s\n", phaseName, workspace)
}
