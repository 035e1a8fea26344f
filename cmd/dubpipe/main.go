package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/dubpipe/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "bless":
		cmdBless(os.Args[2:])
	case "phases":
		cmdPhases()
	case "serve":
		cmdServe(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "setup":
		cmdSetup(os.Args[2:])
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "config-import":
		cmdConfigImport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: dubpipe <command> [options]

Commands:
  run              Run (or resume) a workspace's phase plan
  bless            Mark a phase's current outputs as the accepted baseline
  phases           List the registered phases in execution order
  serve            Start the HTTP API server in the foreground
  stop             Stop a running 'serve' daemon
  status           Show daemon status
  setup            Interactive setup wizard
  keys             Manage provider API keys (list|set|delete <provider>)
  init-config      Generate default config file
  config-export    Export current config to a TOML file
  config-import    Import config from a TOML file
  version          Print version information
  help             Show this help message

Run options:
  --workspace <id>   Workspace id (required)
  --from <phase>     First phase to consider (default: pipeline start)
  --to <phase>       Last phase to consider (default: pipeline end)
  --force <phase>    Force a phase to re-execute; may be repeated

Bless options:
  --workspace <id>   Workspace id (required)
  --phase <name>     Phase whose outputs to bless (required)`)
}
