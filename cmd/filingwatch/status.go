package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"github.com/spf13/cobra"
)

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracked issuers, sync state, alert counts and latest scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			issuers, err := a.store.ListIssuers(ctx)
			if err != nil {
				return err
			}
			watermarks, err := a.store.ListWatermarks(ctx)
			if err != nil {
				return err
			}
			filings, err := a.store.CountFilings(ctx)
			if err != nil {
				return err
			}

			fmt.Println("Filingwatch Status")
			fmt.Println(strings.Repeat("=", 40))
			fmt.Printf("Store:     %s\n", a.cfg.Storage.DBPath)
			fmt.Printf("Issuers:   %d\n", len(issuers))
			fmt.Printf("Filings:   %d\n", filings)

			now := time.Now().UTC()
			fmt.Println("\nIssuers:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  CIK\tTICKER\tNAME\tLAST SEEN\tLAST RUN\tSTATUS\tSTALE")
			for _, is := range issuers {
				wm := watermarks[is.CIK]
				var seen, run time.Time
				runStatus, lastErr := "-", ""
				if wm != nil {
					seen, run = wm.LastSeenFiledAt, wm.LastRunAt
					runStatus = wm.LastRunStatus
					lastErr = wm.LastError
				}
				stale := wm.IsStale(now, a.cfg.Sync.CatchupStaleness)
				fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\t%v\n",
					is.CIK, is.Ticker, is.Name, fmtTime(seen), fmtTime(run), runStatus, stale)
				if lastErr != "" {
					fmt.Fprintf(w, "  \t\terror: %s\t\t\t\t\n", lastErr)
				}
			}
			w.Flush()

			state, err := a.store.ListSyncState(ctx)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(state))
			for k := range state {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Println("\nSync state:")
			for _, k := range keys {
				fmt.Printf("  %-28s %s\n", k, state[k])
			}

			counts, err := a.store.CountAlertsByType(ctx, time.Time{})
			if err != nil {
				return err
			}
			fmt.Println("\nAlerts:")
			for _, typ := range models.AnomalyTypes {
				fmt.Printf("  %-16s %d\n", typ, counts[typ])
			}

			mv := a.cfg.Scoring.ModelVersion
			date, err := a.store.LatestScoreDate(ctx, mv)
			if err != nil {
				return err
			}
			fmt.Println("\nRisk scores:")
			if date == "" {
				fmt.Println("  none")
				return nil
			}
			scores, err := a.store.ListRiskScores(ctx, date, mv)
			if err != nil {
				return err
			}
			fmt.Printf("  %s as of %s (revision %d)\n", mv, date, scores[0].Revision)
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  RANK\tCIK\tSCORE\tPERCENTILE\tTOP SIGNAL")
			for i, s := range scores {
				if i >= a.cfg.Telegram.TopK {
					break
				}
				top := "-"
				if len(s.Evidence.TopSignals) > 0 {
					top = s.Evidence.TopSignals[0].Feature
				}
				fmt.Fprintf(w, "  %d\t%d\t%.4f\t%.2f\t%s\n", s.Rank, s.CIK, s.Score, s.Percentile, top)
			}
			return w.Flush()
		},
	}
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts or change their review status",
	}

	var cik int64
	var anomalyType, status string
	var limit int
	var sinceDays int
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			q := storage.AlertQuery{
				CIK:         cik,
				AnomalyType: strings.ToUpper(anomalyType),
				Status:      strings.ToUpper(status),
				Limit:       limit,
			}
			if sinceDays > 0 {
				q.CreatedSince = time.Now().UTC().AddDate(0, 0, -sinceDays)
			}
			alerts, err := a.store.ListAlerts(ctx, q)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCIK\tTYPE\tSEVERITY\tSTATUS\tACCESSION\tDESCRIPTION")
			for _, al := range alerts {
				fmt.Fprintf(w, "%d\t%d\t%s\t%.2f\t%s\t%s\t%s\n",
					al.ID, al.CIK, al.AnomalyType, al.Severity, al.Status, al.AccessionID, al.Description)
			}
			return w.Flush()
		},
	}
	list.Flags().Int64Var(&cik, "cik", 0, "Filter by issuer CIK")
	list.Flags().StringVarP(&anomalyType, "type", "t", "", "Filter by anomaly type")
	list.Flags().StringVarP(&status, "status", "s", "", "Filter by status (OPEN, REVIEWED, DISMISSED)")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")
	list.Flags().IntVar(&sinceDays, "since-days", 0, "Only alerts created in the past N days")

	setStatus := &cobra.Command{
		Use:   "set-status [alert-id] [status]",
		Short: "Mark an alert REVIEWED or DISMISSED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid alert id %q", args[0])
			}
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.DryRun {
				fmt.Printf("would set alert %d to %s\n", id, strings.ToUpper(args[1]))
				return nil
			}
			return a.store.SetAlertStatus(ctx, id, strings.ToUpper(args[1]))
		},
	}

	cmd.AddCommand(list, setStatus)
	return cmd
}

func outcomeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcome",
		Short: "Record or list retrospective adverse-outcome labels",
	}

	var ev models.OutcomeEvent
	add := &cobra.Command{
		Use:   "add",
		Short: "Record an outcome event for an issuer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ev.CIK <= 0 || ev.OutcomeType == "" {
				return fmt.Errorf("--cik and --type are required")
			}
			if _, err := time.Parse(models.DateLayout, ev.EventDate); err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD")
			}
			if ev.DedupeKey == "" {
				ev.DedupeKey = fmt.Sprintf("%d:%s:%s", ev.CIK, strings.ToUpper(ev.OutcomeType), ev.EventDate)
			}
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.DryRun {
				fmt.Printf("would record %s\n", ev.DedupeKey)
				return nil
			}
			ev.OutcomeType = strings.ToUpper(ev.OutcomeType)
			inserted, err := a.store.InsertOutcome(ctx, &ev)
			if err != nil {
				return err
			}
			if !inserted {
				fmt.Printf("Outcome %s already recorded\n", ev.DedupeKey)
				return nil
			}
			fmt.Printf("Recorded outcome %d\n", ev.ID)
			return nil
		},
	}
	add.Flags().Int64Var(&ev.CIK, "cik", 0, "Issuer CIK")
	add.Flags().StringVar(&ev.EventDate, "date", "", "Event date YYYY-MM-DD")
	add.Flags().StringVarP(&ev.OutcomeType, "type", "t", "", "Outcome type, e.g. RESTATEMENT")
	add.Flags().StringVar(&ev.Source, "source", "", "Where the label came from")
	add.Flags().StringVar(&ev.Description, "description", "", "Free-text description")
	add.Flags().StringVar(&ev.DedupeKey, "dedupe-key", "", "Override the default cik:type:date key")

	var listCIK int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List outcome events for an issuer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listCIK <= 0 {
				return fmt.Errorf("--cik is required")
			}
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			events, err := a.store.ListOutcomes(ctx, listCIK)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	list.Flags().Int64Var(&listCIK, "cik", 0, "Filter by issuer CIK")

	cmd.AddCommand(add, list)
	return cmd
}
