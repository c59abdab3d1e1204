package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/filingwatch/internal/detect"
	"github.com/rewired-gh/filingwatch/internal/edgar"
	"github.com/rewired-gh/filingwatch/internal/logger"
	"github.com/rewired-gh/filingwatch/internal/scoring"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"github.com/rewired-gh/filingwatch/internal/syncer"
	"github.com/rewired-gh/filingwatch/internal/telegram"
	"github.com/spf13/cobra"
)

// analysisReport is the combined output of one detection + scoring cycle.
type analysisReport struct {
	Detect *detect.Report  `json:"detect,omitempty"`
	Score  *scoring.Report `json:"score,omitempty"`
}

func (r *analysisReport) failed() bool {
	return r.Detect != nil && r.Detect.Failed()
}

func runDetection(ctx context.Context, a *app, at time.Time) (*detect.Report, error) {
	params, err := detect.ParamsFromConfig(a.cfg.Detect)
	if err != nil {
		return nil, err
	}
	return detect.NewRunner(a.store, detect.Registry(params), a.cfg.DryRun).Run(ctx, at)
}

func runScoring(ctx context.Context, a *app, at time.Time) (*scoring.Report, error) {
	loc, err := time.LoadLocation(a.cfg.Detect.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", a.cfg.Detect.Timezone, err)
	}
	params, err := scoring.ParamsFromConfig(a.cfg.Scoring, loc)
	if err != nil {
		return nil, err
	}
	return scoring.NewEngine(a.store, params, a.cfg.DryRun).Run(ctx, at)
}

// runAnalysis detects, optionally scores, and sends a digest of what is new.
func runAnalysis(ctx context.Context, a *app, tg *telegram.Client, at time.Time) (*analysisReport, error) {
	started := time.Now().UTC()
	report := &analysisReport{}

	dr, err := runDetection(ctx, a, at)
	report.Detect = dr
	if err != nil {
		return report, fmt.Errorf("detection failed: %w", err)
	}
	if a.cfg.Analysis.RiskScoringEnabled {
		sr, err := runScoring(ctx, a, at)
		report.Score = sr
		if err != nil {
			return report, fmt.Errorf("scoring failed: %w", err)
		}
	}

	if tg != nil && !a.cfg.DryRun {
		digest, err := buildDigest(ctx, a, started, report)
		if err != nil {
			logger.Warn("Failed to build digest: %v", err)
		} else if err := tg.SendDigest(ctx, digest); err != nil {
			logger.Error("Failed to send Telegram digest: %v", err)
		}
	}
	return report, nil
}

// buildDigest collects alerts created by this cycle and the top ranked issuers.
func buildDigest(ctx context.Context, a *app, since time.Time, report *analysisReport) (telegram.Digest, error) {
	alerts, err := a.store.ListAlerts(ctx, storage.AlertQuery{CreatedSince: since})
	if err != nil {
		return telegram.Digest{}, err
	}
	d := telegram.Digest{NewAlerts: alerts}
	if report.Score == nil {
		return d, nil
	}
	d.AsOfDate = report.Score.AsOfDate
	// A skipped re-score has nothing new to announce.
	if report.Score.NoOp && len(alerts) == 0 {
		return d, nil
	}
	scores, err := a.store.ListRiskScores(ctx, report.Score.AsOfDate, report.Score.ModelVersion)
	if err != nil {
		return telegram.Digest{}, err
	}
	for _, s := range scores {
		if len(d.TopRisk) >= a.cfg.Telegram.TopK || s.Score == 0 {
			break
		}
		issuer, err := a.store.GetIssuer(ctx, s.CIK)
		if err != nil {
			issuer = nil
		}
		d.TopRisk = append(d.TopRisk, telegram.RankedIssuer{Score: s, Issuer: issuer})
	}
	return d, nil
}

func newTelegram(a *app) (*telegram.Client, error) {
	if !a.cfg.Telegram.Enabled {
		logger.Debug("Telegram notifications disabled")
		return nil, nil
	}
	tg, err := telegram.NewClient(a.cfg.Telegram.BotToken, a.cfg.Telegram.ChatID, a.cfg.Telegram.MaxRetries, a.cfg.Telegram.RetryDelayBase)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
	}
	logger.Info("Telegram client initialized successfully")
	return tg, nil
}

// runSync performs one sync pass and, when configured, an inline analysis.
func runSync(ctx context.Context, a *app, tg *telegram.Client) (*syncer.Report, error) {
	engine := syncer.NewEngine(a.store, edgar.NewClient(a.cfg.Edgar), syncer.OptionsFromConfig(a.cfg))
	report, err := engine.Run(ctx)
	if err != nil {
		return report, fmt.Errorf("sync failed: %w", err)
	}
	if report.LockContended {
		return report, nil
	}
	if a.cfg.Analysis.RunAfterSync {
		ar, err := runAnalysis(ctx, a, tg, time.Now().UTC())
		if err != nil {
			return report, err
		}
		if ar.failed() {
			logger.Warn("Inline analysis completed with detector failures")
		}
	}
	if report.Failed() {
		return report, fmt.Errorf("sync completed with failures: %d issuers failed, fast path: %s",
			len(report.Failures), orNone(report.FastPathError))
	}
	return report, nil
}

func orNone(s string) string {
	if s == "" {
		return "ok"
	}
	return s
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Ingest new filings for tracked issuers",
		Long: `Run one sync pass: scan the EDGAR current feed newest first, then catch up
issuers whose watermark is stale. Another sync holding the run lock is not an
error; the command exits cleanly without writing.`,
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
			report, err := runSync(ctx, a, tg)
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run the anomaly detectors over stored filings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			at, err := asOf()
			if err != nil {
				return err
			}
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := runDetection(ctx, a, at)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Failed() {
				return fmt.Errorf("one or more detectors failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "As-of date YYYY-MM-DD (default today)")
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute issuer risk scores from alert history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			at, err := asOf()
			if err != nil {
				return err
			}
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := runScoring(ctx, a, at)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "As-of date YYYY-MM-DD (default today)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run detection and, when enabled, risk scoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			at, err := asOf()
			if err != nil {
				return err
			}
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			tg, err := newTelegram(a)
			if err != nil {
				return err
			}
			report, err := runAnalysis(ctx, a, tg, at)
			if perr := printJSON(report); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if report.failed() {
				return fmt.Errorf("one or more detectors failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "As-of date YYYY-MM-DD (default today)")
	return cmd
}
