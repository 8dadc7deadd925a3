package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moukrea/serverless-chat-sub000/internal/meshconfig"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

func runWhoami(args []string) {
	if err := doWhoami(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doWhoami(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id, cfg, err := loadIdentity(*configFlag)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, id.PeerID.String())
	fmt.Fprintf(stdout, "display name: %s\n", cfg.Identity.DisplayName)

	pub, err := id.SignPublicKeyBytes()
	if err == nil {
		digits, emoji := meshid.Fingerprint(pub)
		fmt.Fprintf(stdout, "fingerprint:  %s\n", digits)
		fmt.Fprintf(stdout, "              %s\n", emoji)
	}
	return nil
}

// loadIdentity resolves a config file, loads its Config, and loads the
// NodeIdentity persisted alongside it. Used by whoami; the daemon does the
// same loading inline.
func loadIdentity(configFlag string) (*meshid.NodeIdentity, *meshconfig.Config, error) {
	cfgFile, err := meshconfig.FindConfigFile(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	cfg, err := meshconfig.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}

	entropy, err := os.ReadFile(cfg.Identity.EntropyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read entropy file: %w", err)
	}

	configDir := filepath.Dir(cfgFile)
	kv, err := meshkv.NewFileStore(filepath.Join(configDir, "state"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}

	id, err := meshid.LoadOrCreateIdentity(context.Background(), kv, cfg.Identity.DisplayName, entropy)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return id, cfg, nil
}
