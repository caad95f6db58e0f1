// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwarden/fleetwarden/internal/api"
	"github.com/fleetwarden/fleetwarden/internal/backup"
	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/dispatch"
	"github.com/fleetwarden/fleetwarden/internal/logging"
	"github.com/fleetwarden/fleetwarden/internal/security"
	"github.com/fleetwarden/fleetwarden/internal/throttle"
	"github.com/fleetwarden/fleetwarden/internal/trust"
)

// fleetBackend composes the two halves of the trust authority: the
// fingerprint registry for lookups and the fleet bus for admission
// announcements.
type fleetBackend struct {
	registry *trust.FileRegistry
	bus      *dispatch.MQTTBackend
}

func (b *fleetBackend) LookupFingerprint(ctx context.Context, id string) (string, error) {
	return b.registry.LookupFingerprint(ctx, id)
}

func (b *fleetBackend) AdmitToFleet(ctx context.Context, id string) error {
	return b.bus.PublishAdmission(ctx, id)
}

// commandBackendProxy breaks the construction cycle between the
// dispatcher (which needs a backend) and the MQTT backend (which needs
// the dispatcher as its result sink).
type commandBackendProxy struct {
	inner dispatch.CommandBackend
}

func (p *commandBackendProxy) Submit(ctx context.Context, minionID, executionID, payload string) error {
	if p.inner == nil {
		return fmt.Errorf("command backend not connected")
	}
	return p.inner.Submit(ctx, minionID, executionID, payload)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: API, fleet bus, watchdog and backup scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	store := db.GetStore()
	ctx := context.Background()

	limiter := throttle.NewLimiter(throttle.DefaultLimits())
	go limiter.RunPruner(ctx, 5*time.Minute)

	registry := trust.NewFileRegistry(cfg.Trust.RegistryPath)
	trustBackend := &fleetBackend{registry: registry}
	ledger := trust.NewLedger(store, trustBackend)

	backendProxy := &commandBackendProxy{}
	dispatcher := dispatch.NewDispatcher(store, ledger, backendProxy, limiter)

	bus, err := dispatch.NewMQTTBackend(cfg.MQTT.Broker, cfg.MQTT.ClientID, dispatcher)
	if err != nil {
		return fmt.Errorf("connect fleet bus: %w", err)
	}
	defer bus.Close()
	backendProxy.inner = bus
	trustBackend.bus = bus

	orchestrator, err := buildOrchestrator(store)
	if err != nil {
		return err
	}
	if err := orchestrator.RecoverInterrupted(); err != nil {
		return err
	}

	watchdogInterval := time.Duration(cfg.Watchdog.IntervalSeconds) * time.Second
	if watchdogInterval <= 0 {
		watchdogInterval = 5 * time.Second
	}
	go dispatcher.RunWatchdog(ctx, watchdogInterval)

	backupInterval := time.Duration(cfg.Backup.IntervalMinutes) * time.Minute
	if backupInterval > 0 && cfg.Backup.Target != "" {
		go orchestrator.Start(ctx, backupInterval)
	} else {
		logging.Warnf("serve: backup target not configured, scheduler disabled")
	}

	a := api.New(ledger, dispatcher, orchestrator, limiter, security.FromString(cfg.API.Token))
	return a.Serve(cfg.Listen)
}

// buildOrchestrator assembles the SFTP transport and credentials from the
// backup configuration section.
func buildOrchestrator(store db.Store) (*backup.Orchestrator, error) {
	creds := backup.Credentials{
		Passphrase: security.FromString(cfg.Backup.Passphrase),
	}
	if cfg.Backup.KeyFile != "" {
		keyData, err := os.ReadFile(cfg.Backup.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read backup transport key: %w", err)
		}
		creds.PrivateKey = security.FromBytes(keyData)
	}

	transport := backup.NewSFTPTransport(cfg.Backup.Host, cfg.Backup.User, cfg.Backup.HostKey)
	payload := backup.DirectoryPayload(cfg.Backup.SourceDir)
	return backup.NewOrchestrator(store, transport, cfg.Backup.Target, creds, payload), nil
}
