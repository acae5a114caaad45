package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parcelscope/property-research/internal/model"
)

var (
	batchCSV         string
	batchLimit       int
	batchConcurrency int
	batchDryRun      bool
	batchOutput      string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Research every property in a CSV file",
	Long: `Reads a CSV of properties (address,city,state columns) and runs the
full research batch for each row, persisting results to the store.

Examples:
  # Dry run — parse the CSV and print subjects, no research
  property-research batch --csv properties.csv --dry-run

  # Research the first 10 rows, 3 at a time
  property-research batch --csv properties.csv --limit 10 --concurrency 3`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		subjects, err := parseSubjectsCSV(batchCSV)
		if err != nil {
			return eris.Wrap(err, "batch: parse csv")
		}
		zap.L().Info("parsed csv", zap.Int("properties", len(subjects)))

		if batchLimit > 0 && batchLimit < len(subjects) {
			subjects = subjects[:batchLimit]
		}

		if batchDryRun {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(subjects)
		}

		env, err := initResearch(ctx)
		if err != nil {
			return eris.Wrap(err, "batch: init")
		}
		defer env.Close()

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(batchConcurrency)

		var mu sync.Mutex
		var results []*model.BatchResult
		var succeeded, failed atomic.Int64

		for i, subject := range subjects {
			g.Go(func() error {
				zap.L().Info("researching property",
					zap.Int("n", i+1),
					zap.Int("total", len(subjects)),
					zap.String("subject", subject.FullAddress()),
				)

				result, runErr := env.Orchestrator.Run(gCtx, subject)
				if runErr != nil {
					failed.Add(1)
					zap.L().Error("batch: property failed",
						zap.String("subject", subject.FullAddress()),
						zap.Error(runErr),
					)
					return nil // keep going on individual failures
				}

				if _, saveErr := env.Store.SaveProperty(gCtx, &model.Property{
					Address:             subject.Address,
					City:                subject.City,
					State:               subject.State,
					Research:            result,
					ResearchTimeSeconds: result.Metadata.ElapsedSeconds,
					RolesUsed:           result.Metadata.TotalRoles,
					CostUSD:             result.Metadata.CostUSD,
				}); saveErr != nil {
					zap.L().Warn("batch: save failed",
						zap.String("subject", subject.FullAddress()),
						zap.Error(saveErr),
					)
				}

				succeeded.Add(1)
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
				return nil
			})
		}

		_ = g.Wait()

		zap.L().Info("batch complete",
			zap.Int("total", len(subjects)),
			zap.Int64("succeeded", succeeded.Load()),
			zap.Int64("failed", failed.Load()),
			zap.Float64("cost_usd", env.Calc.Batch(len(env.Orchestrator.Roles()))*float64(succeeded.Load())),
		)

		return writeBatchResults(results)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchCSV, "csv", "", "path to CSV file with address,city,state columns (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max properties to research (0 = all)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 3, "max properties researched concurrently")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "parse CSV and print subjects, skip research")
	batchCmd.Flags().StringVar(&batchOutput, "output", "", "write results JSON to file (default: stdout)")
	batchCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(batchCmd)
}

// parseSubjectsCSV reads a CSV of properties. A header row naming the
// address column is skipped; otherwise rows are taken as
// address,city,state in order.
func parseSubjectsCSV(path string) ([]model.Subject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var subjects []model.Subject
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) < 3 {
			return nil, eris.Errorf("row %d: want address,city,state, got %d columns", len(subjects)+1, len(record))
		}
		if first && strings.EqualFold(strings.TrimSpace(record[0]), "address") {
			first = false
			continue
		}
		first = false
		subjects = append(subjects, model.Subject{
			Address: strings.TrimSpace(record[0]),
			City:    strings.TrimSpace(record[1]),
			State:   strings.TrimSpace(record[2]),
		})
	}
	return subjects, nil
}

// writeBatchResults writes results to the output file or stdout.
func writeBatchResults(results []*model.BatchResult) error {
	var w *os.File
	if batchOutput != "" {
		f, err := os.Create(batchOutput)
		if err != nil {
			return eris.Wrap(err, "batch: create output file")
		}
		defer f.Close() //nolint:errcheck
		w = f
	} else {
		w = os.Stdout
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
