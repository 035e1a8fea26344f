package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/pkg/phaseimpl"
)

// cmdPhases lists the registered phases in execution order, one line each:
// name, declared version, and its requires/provides artifact keys.
func cmdPhases() {
	registry, err := phase.NewRegistry(phaseimpl.Specs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building phase registry: %v\n", err)
		os.Exit(1)
	}

	for _, spec := range registry.Order() {
		fmt.Printf("%-10s v%-8s requires=[%s] provides=[%s]\n",
			spec.Name, spec.Version,
			strings.Join(spec.Requires, ", "),
			strings.Join(spec.Provides, ", "))
	}
}
