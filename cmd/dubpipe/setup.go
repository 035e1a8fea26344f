package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/allaspectsdev/dubpipe/internal/config"
)

func cmdSetup(args []string) {
	nonInteractive := false
	for _, a := range args {
		if a == "--non-interactive" {
			nonInteractive = true
		}
	}

	if nonInteractive {
		cmdInitConfig()
		fmt.Println("Setup complete. Run 'dubpipe serve' to begin.")
		return
	}

	fmt.Println("dubpipe Setup Wizard")
	fmt.Println("====================")
	fmt.Println()

	cmdInitConfig()

	reader := bufio.NewReader(os.Stdin)
	cfg := config.Get()

	fmt.Printf("Workspace root [%s]: ", cfg.Workspace.RootDir)
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Workspace.RootDir = strings.TrimSpace(line)
	}

	fmt.Print("Default '--to' phase for a bare run (blank for none): ")
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		fmt.Printf("Pass --to %s explicitly to 'dubpipe run' to stop there.\n", strings.TrimSpace(line))
	}

	if err := config.ExportConfig(configPathFor(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nTo add provider API keys, run: dubpipe keys set <provider>")
	fmt.Println("Supported providers: anthropic, whisper, elevenlabs, openai, google")
	fmt.Println()
	fmt.Println("Setup complete. Run 'dubpipe serve' to begin.")
}

func configPathFor(cfg *config.Config) string {
	if path := config.ConfigFilePath(); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return config.DefaultConfigFilename
	}
	return home + "/.dubpipe/" + config.DefaultConfigFilename
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfigExport(args []string) {
	path := "dubpipe-export.toml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ExportConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", path)
}

func cmdConfigImport(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: dubpipe config-import <file>")
		os.Exit(1)
	}
	if err := config.ImportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error importing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s\n", args[0])
}
