package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/moukrea/serverless-chat-sub000/internal/meshlog"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o meshnode ./cmd/meshnode
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(meshlog.NewDefault())

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("meshnode %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: meshnode <command> [options]")
	fmt.Println()
	fmt.Println("  init                     Set up meshnode configuration and identity")
	fmt.Println("  whoami [--config path]   Show your peer ID and SAS fingerprint")
	fmt.Println("  daemon [--config path]   Run the mesh node (flood router, gossip, reconnection)")
	fmt.Println("  version                  Show version information")
	fmt.Println()
	fmt.Println("Without --config, meshnode searches: ./meshnode.yaml, ~/.config/meshnode/config.yaml, /etc/meshnode/config.yaml")
	fmt.Println()
	fmt.Println("Get started:  meshnode init")
}
