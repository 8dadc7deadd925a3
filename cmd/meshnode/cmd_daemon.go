package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/gossip"
	"github.com/moukrea/serverless-chat-sub000/internal/meshconfig"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
	"github.com/moukrea/serverless-chat-sub000/internal/meshtelemetry"
	"github.com/moukrea/serverless-chat-sub000/internal/peerstore"
	"github.com/moukrea/serverless-chat-sub000/internal/reconnect"
	"github.com/moukrea/serverless-chat-sub000/internal/transport"
)

func runDaemon(args []string) {
	if err := doDaemon(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// retentionSweepInterval is how often M5's retention sweep runs while the
// daemon is up, independent of spec.md's >30d staleness window itself.
const retentionSweepInterval = time.Hour

func doDaemon(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "meshnode daemon %s (%s)\n\n", version, commit)

	cfgFile, err := meshconfig.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	cfg, err := meshconfig.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	entropy, err := os.ReadFile(cfg.Identity.EntropyFile)
	if err != nil {
		return fmt.Errorf("failed to read entropy file: %w", err)
	}

	stateDir := filepath.Join(filepath.Dir(cfgFile), "state")
	kv, err := meshkv.NewFileStore(stateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	id, err := meshid.LoadOrCreateIdentity(context.Background(), kv, cfg.Identity.DisplayName, entropy)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	fmt.Fprintf(stdout, "Peer ID: %s\n", id.PeerID)

	storageKey := meshid.DeriveStorageKey(entropy)
	trust, err := meshid.LoadTrustStore(context.Background(), kv, storageKey)
	if err != nil {
		return fmt.Errorf("failed to load trust store: %w", err)
	}
	nonces := meshid.NewNonceCache()

	peers, err := peerstore.Open(context.Background(), kv)
	if err != nil {
		return fmt.Errorf("failed to open peer store: %w", err)
	}
	retention := peerstore.NewRetentionWithCap(peers, cfg.Peers.MaxPeers)

	var metrics *meshtelemetry.Metrics
	var floodMetrics flood.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = meshtelemetry.New(version, fmt.Sprintf("%s/%s", commit, buildDate))
		floodMetrics = metrics
		srv := &http.Server{Addr: cfg.Telemetry.Metrics.ListenAddress, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		fmt.Fprintf(stdout, "Metrics: http://%s/metrics\n", cfg.Telemetry.Metrics.ListenAddress)
	}

	registry := reconnect.NewLivePeerRegistry()
	router := flood.NewRouter(id.PeerID, cfg.Identity.DisplayName, registry, slog.Default(), floodMetrics)

	blacklist := &peerstoreBlacklist{peers: peers}
	sched := &orchestratorScheduler{}

	announcer := gossip.New(gossip.Config{
		Self:        id,
		Trust:       trust,
		Nonces:      nonces,
		Router:      router,
		Connections: registry,
		Scheduler:   sched,
		Blacklist:   blacklist,
		Logger:      slog.Default(),
	})

	orch := reconnect.New(reconnect.Config{
		Self:     id,
		Peers:    peers,
		Router:   router,
		Registry: registry,
		// No production WebRTC stack is wired into this module (the
		// transport is an external collaborator per spec.md's Non-goals);
		// FakeFactory keeps the daemon runnable standalone for exercising
		// the mesh logic without real connectivity.
		TransportFac:     transport.NewFakeFactory(),
		Announcer:        announcer,
		HasPairingSecret: func() bool { return false },
		Logger:           slog.Default(),
	})
	sched.orch = orch

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Start(ctx)
	announcer.Start(ctx, func() []gossip.LivePeer { return nil }, registry.ConnectedPeerIDs)

	stats, err := orch.ReconnectToMesh(ctx)
	if err != nil {
		fmt.Fprintf(stdout, "Initial reconnection attempt: %v\n", err)
	} else {
		fmt.Fprintf(stdout, "Initial reconnection: method=%s duration=%s\n", stats.Method, stats.Duration)
	}

	stopSweep := make(chan struct{})
	go runRetentionSweep(retention, stopSweep)

	fmt.Fprintln(stdout, "Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived %s, shutting down...\n", sig)

	close(stopSweep)
	announcer.Stop()
	orch.Stop()
	fmt.Fprintln(stdout, "Daemon stopped.")
	return nil
}

func runRetentionSweep(ret *peerstore.Retention, stop <-chan struct{}) {
	// fullSweepInterval is how often the unconditional daily Sweep runs;
	// ticks in between only run the threshold-triggered MaybeCleanup.
	const fullSweepInterval = 24 * time.Hour
	lastFull := time.Now()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			run := ret.MaybeCleanup
			if time.Since(lastFull) >= fullSweepInterval {
				run = ret.Sweep
				lastFull = time.Now()
			}
			if err := run(ctx); err != nil {
				slog.Error("retention sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// peerstoreBlacklist adapts *peerstore.Store to gossip.BlacklistLookup.
type peerstoreBlacklist struct {
	peers *peerstore.Store
}

func (b *peerstoreBlacklist) IsBlacklisted(id peer.ID, now time.Time) bool {
	rec, err := b.peers.Get(context.Background(), id)
	if err != nil || rec == nil {
		return false
	}
	return rec.IsBlacklisted(now)
}

// orchestratorScheduler implements gossip.Scheduler by running the
// fallback ladder against the elected target after the jittered delay the
// gossip package computed. orch is filled in after construction since
// gossip.New (which needs a Scheduler) must run before reconnect.New can be
// built from the resulting Announcer.
type orchestratorScheduler struct {
	orch *reconnect.Orchestrator
}

func (s *orchestratorScheduler) ScheduleReconnect(id peer.ID, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		if err := s.orch.ReconnectToPeer(context.Background(), id, ""); err != nil {
			slog.Debug("scheduled reconnection failed", "peer", id, "error", err)
		}
	}()
}
