package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/filingwatch/internal/logger"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"github.com/rewired-gh/filingwatch/internal/telegram"
	"github.com/spf13/cobra"
)

// failureNotifier sends one error notice per streak of failed cycles and a
// recovery notice when the streak ends.
type failureNotifier struct {
	tg                  *telegram.Client
	consecutiveFailures int
}

func (n *failureNotifier) handle(ctx context.Context, err error) {
	if err != nil {
		n.consecutiveFailures++
		logger.Error("Cycle failed: %v", err)
		if n.consecutiveFailures == 1 && n.tg != nil {
			if sendErr := n.tg.SendError(ctx, err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		return
	}
	if n.consecutiveFailures > 0 && n.tg != nil {
		if sendErr := n.tg.SendRecovery(ctx, n.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
		}
	}
	n.consecutiveFailures = 0
}

func statusLine(a *app) func(context.Context) string {
	return func(ctx context.Context) string {
		issuers, err := a.store.ListIssuers(ctx)
		if err != nil {
			return "status unavailable: " + err.Error()
		}
		lastSync, err := a.store.GetSyncTime(ctx, storage.StateFastPathCompletedAt)
		if err != nil {
			return "status unavailable: " + err.Error()
		}
		counts, err := a.store.CountAlertsByType(ctx, time.Now().Add(-7*24*time.Hour))
		if err != nil {
			return "status unavailable: " + err.Error()
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		synced := "never"
		if !lastSync.IsZero() {
			synced = lastSync.Format(time.RFC3339)
		}
		return fmt.Sprintf("Tracking %d issuers. Last sync %s. %d alerts in the past 7 days.", len(issuers), synced, total)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run sync and analysis on a schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tg, err := newTelegram(a)
			if err != nil {
				return err
			}
			if tg != nil {
				tg.ListenForCommands(ctx, statusLine(a))
			}
			notifier := &failureNotifier{tg: tg}

			logger.Info("Starting filingwatch daemon (sync every %v, analysis every %v, dry_run: %v)",
				a.cfg.Run.SyncInterval, a.cfg.Run.AnalysisInterval, a.cfg.DryRun)

			syncTicker := time.NewTicker(a.cfg.Run.SyncInterval)
			defer syncTicker.Stop()
			analysisTicker := time.NewTicker(a.cfg.Run.AnalysisInterval)
			defer analysisTicker.Stop()

			syncCycle := func() {
				report, err := runSync(ctx, a, tg)
				if err == nil && report.LockContended {
					logger.Info("Sync skipped: run lock held elsewhere")
				}
				notifier.handle(ctx, err)
			}
			analysisCycle := func() {
				report, err := runAnalysis(ctx, a, tg, time.Now().UTC())
				if err == nil && report.failed() {
					err = fmt.Errorf("one or more detectors failed")
				}
				notifier.handle(ctx, err)
			}

			logger.Debug("Running initial cycle")
			syncCycle()
			if !a.cfg.Analysis.RunAfterSync {
				analysisCycle()
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Service stopped")
					return nil
				case <-syncTicker.C:
					logger.Debug("Starting scheduled sync")
					syncCycle()
				case <-analysisTicker.C:
					if a.cfg.Analysis.RunAfterSync {
						continue
					}
					logger.Debug("Starting scheduled analysis")
					analysisCycle()
				}
			}
		},
	}
}
