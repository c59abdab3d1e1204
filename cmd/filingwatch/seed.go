package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rewired-gh/filingwatch/internal/edgar"
	"github.com/rewired-gh/filingwatch/internal/logger"
	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"github.com/spf13/cobra"
)

// readTickerCSV returns the upper-cased, de-duplicated values of the
// "ticker" column in file order.
func readTickerCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ticker file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticker header: %w", err)
	}
	col := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), "ticker") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("ticker file has no \"ticker\" column")
	}

	seen := make(map[string]bool)
	var tickers []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ticker file: %w", err)
		}
		if col >= len(rec) {
			continue
		}
		t := strings.ToUpper(strings.TrimSpace(rec[col]))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tickers = append(tickers, t)
	}
	return tickers, nil
}

// resolveTickers maps tickers to issuers through the company directory.
// Unknown tickers are returned separately.
func resolveTickers(tickers []string, directory map[string]models.Issuer) (found []models.Issuer, unknown []string) {
	for _, t := range tickers {
		issuer, ok := directory[t]
		if !ok {
			// Class shares are listed with a hyphen in the directory, e.g. BRK-B.
			issuer, ok = directory[strings.ReplaceAll(t, ".", "-")]
		}
		if !ok {
			unknown = append(unknown, t)
			continue
		}
		found = append(found, issuer)
	}
	return found, unknown
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed [cik...]",
		Short: "Track issuers by CIK or from a CSV of tickers",
		Long: `Add issuers to the tracked set.

CIKs given as arguments are inserted directly. A CSV file with a "ticker"
header (--file, or sync.issuers_file) is resolved to CIKs through the EDGAR
company tickers directory.

Examples:
  filingwatch seed 320193 789019
  filingwatch seed --file data/tickers.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var ciks []int64
			for _, arg := range args {
				cik, err := strconv.ParseInt(strings.TrimLeft(arg, "0"), 10, 64)
				if err != nil || cik <= 0 {
					return fmt.Errorf("invalid CIK %q", arg)
				}
				ciks = append(ciks, cik)
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if file == "" {
				file = a.cfg.Sync.IssuersFile
			}
			var issuers []models.Issuer
			for _, cik := range ciks {
				issuers = append(issuers, models.Issuer{CIK: cik})
			}
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open ticker file: %w", err)
				}
				tickers, err := readTickerCSV(f)
				f.Close()
				if err != nil {
					return err
				}
				directory, err := edgar.NewClient(a.cfg.Edgar).Tickers(ctx)
				if err != nil {
					return fmt.Errorf("failed to load company tickers: %w", err)
				}
				found, unknown := resolveTickers(tickers, directory)
				if len(unknown) > 0 {
					logger.Warn("No CIK found for %d tickers: %s", len(unknown), strings.Join(unknown, ", "))
				}
				issuers = append(issuers, found...)
			}
			if len(issuers) == 0 {
				return fmt.Errorf("nothing to seed: pass CIKs or --file")
			}
			sort.SliceStable(issuers, func(i, j int) bool { return issuers[i].CIK < issuers[j].CIK })

			if a.cfg.DryRun {
				for _, is := range issuers {
					fmt.Printf("would track %d %s %s\n", is.CIK, is.Ticker, is.Name)
				}
				return nil
			}

			created := 0
			err = a.store.InTx(ctx, func(tx *storage.Tx) error {
				for i := range issuers {
					isNew, err := tx.EnsureIssuer(ctx, issuers[i].CIK)
					if err != nil {
						return err
					}
					if isNew {
						created++
					}
					if err := tx.UpsertIssuer(ctx, &issuers[i]); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to seed issuers: %w", err)
			}
			fmt.Printf("Tracking %d issuers (%d new)\n", len(issuers), created)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file with a ticker column")
	return cmd
}
