package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/moukrea/serverless-chat-sub000/internal/meshconfig"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/meshnode)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "Welcome to meshnode!")
	fmt.Fprintln(stdout)

	configDir := *dirFlag
	if configDir == "" {
		d, err := meshconfig.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	fmt.Fprintln(stdout)

	reader := bufio.NewReader(stdin)
	fmt.Fprint(stdout, "Display name (shown to peers in announcements): ")
	displayName, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "anonymous"
	}

	entropyFile := filepath.Join(configDir, "identity.entropy")
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return fmt.Errorf("failed to generate entropy: %w", err)
	}
	if err := os.WriteFile(entropyFile, entropy, 0600); err != nil {
		return fmt.Errorf("failed to write entropy file: %w", err)
	}

	fmt.Fprintln(stdout, "Generating identity...")
	kv, err := meshkv.NewFileStore(filepath.Join(configDir, "state"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	id, err := meshid.LoadOrCreateIdentity(context.Background(), kv, displayName, entropy)
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	fmt.Fprintf(stdout, "Your Peer ID: %s\n", id.PeerID)
	fmt.Fprintln(stdout, "(Share this with peers who need to authorize you)")
	fmt.Fprintln(stdout)

	cfg := meshconfig.Config{
		Version: meshconfig.CurrentConfigVersion,
		Identity: meshconfig.IdentityConfig{
			DisplayName: displayName,
			EntropyFile: entropyFile,
		},
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(stdout, "Config written to: %s\n", configFile)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next step:  meshnode daemon")
	return nil
}
