// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/dispatch"
	"github.com/fleetwarden/fleetwarden/internal/trust"
)

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Run one backup now and print the outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			orchestrator, err := buildOrchestrator(db.GetStore())
			if err != nil {
				return err
			}
			if err := orchestrator.RecoverInterrupted(); err != nil {
				return err
			}
			run, err := orchestrator.Trigger(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("run %s: %s\n", run.ID, run.Outcome)
			if run.ErrorDetail != "" {
				fmt.Printf("detail: %s\n", run.ErrorDetail)
			}
			return nil
		},
	}
}

func newMinionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "minion",
		Short: "Inspect and decide minion trust records.",
	}
	cmd.AddCommand(newMinionListCmd())
	cmd.AddCommand(newMinionStatusCmd())
	cmd.AddCommand(newMinionDecideCmd("accept"))
	cmd.AddCommand(newMinionDecideCmd("reject"))
	return cmd
}

func newMinionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all minion identities.",
		RunE: func(cmd *cobra.Command, args []string) error {
			minions, err := db.GetStore().GetAllMinions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tFINGERPRINT\tFIRST SEEN\tDECIDED BY")
			for _, m := range minions {
				decidedBy := m.DecidedBy
				if decidedBy == "" {
					decidedBy = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.State, m.Fingerprint, m.FirstSeenAt.Format(time.RFC3339), decidedBy)
			}
			return w.Flush()
		},
	}
}

func newMinionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one minion's trust record.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := db.GetStore().GetMinion(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", m)
			fmt.Printf("fingerprint: %s\n", m.Fingerprint)
			fmt.Printf("first seen: %s\n", m.FirstSeenAt.Format(time.RFC3339))
			if !m.DecidedAt.IsZero() {
				fmt.Printf("decided: %s by %s\n", m.DecidedAt.Format(time.RFC3339), m.DecidedBy)
			}
			return nil
		},
	}
}

func newMinionDecideCmd(decision string) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   decision + " <id>",
		Short: fmt.Sprintf("%s a pending minion.", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := db.GetStore()
			registry := trust.NewFileRegistry(cfg.Trust.RegistryPath)
			bus, err := dispatch.NewMQTTBackend(cfg.MQTT.Broker, cfg.MQTT.ClientID+"-cli", nil)
			if err != nil {
				return fmt.Errorf("connect fleet bus: %w", err)
			}
			defer bus.Close()
			ledger := trust.NewLedger(store, &fleetBackend{registry: registry, bus: bus})

			id := args[0]
			if decision == "reject" {
				m, err := ledger.Reject(id, operator)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", m)
				return nil
			}

			current, err := store.GetMinion(id)
			if err != nil {
				return err
			}
			m, err := ledger.Accept(cmd.Context(), id, current.Fingerprint, operator)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", m)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name for audit attribution")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Print the audit log, most recent first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := db.GetStore().GetAllAuditLogEntries()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTOR\tACTION\tDETAILS")
			for _, e := range entries {
				actor := e.Actor
				if actor == "" {
					actor = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp, actor, e.Action, e.Details)
			}
			return w.Flush()
		},
	}
}
