package main

import (
	"fmt"
	"os"
	"strings"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if hasFlag("--help", "-h") {
			showUsage()
			return
		}
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "help":
		showUsage()
	case "version":
		fmt.Println("synapsis", version)
	case "encrypt":
		if err := runEncrypt(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'synapsis --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`synapsis - session client for streamed agent conversations

USAGE:
    synapsis [COMMAND] [FLAGS]

COMMANDS:
    encrypt VALUE   Print an enc: value for the config (needs SYNAPSIS_CONFIG_KEY)
    doctor          Check config, agent socket and gateway address
    version         Print the build version

    (no command) - Join the configured sessions and serve the gateway

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./synapsis.yaml)

CONFIGURATION:
    Config file: ./synapsis.yaml
    Environment: SYNAPSIS_* variables override config`)
}

func hasFlag(names ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, n := range names {
			if arg == n {
				return true
			}
		}
	}
	return false
}

func configPath() string {
	return configPathFrom(os.Args[1:])
}

func configPathFrom(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SYNAPSIS_CONFIG"); p != "" {
		return p
	}
	return "synapsis.yaml"
}
