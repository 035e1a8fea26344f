package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/allaspectsdev/dubpipe/internal/providerkeys"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: dubpipe keys <list|set|delete> [provider]")
		os.Exit(1)
	}

	s := providerkeys.New()

	switch args[0] {
	case "list":
		providers, err := s.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing keys: %v\n", err)
			os.Exit(1)
		}
		if len(providers) == 0 {
			fmt.Println("No API keys stored")
			return
		}
		for _, p := range providers {
			fmt.Printf("  %s: ****\n", p)
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: dubpipe keys set <provider>")
			os.Exit(1)
		}
		provider := strings.ToLower(args[1])
		fmt.Printf("Enter API key for %s: ", provider)
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if err := s.Set(provider, string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s stored successfully\n", provider)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: dubpipe keys delete <provider>")
			os.Exit(1)
		}
		provider := strings.ToLower(args[1])
		if err := s.Delete(provider); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s deleted\n", provider)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
