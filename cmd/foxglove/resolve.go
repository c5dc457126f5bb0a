package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/foxglove/pkg/kafka"
	"github.com/Ramsey-B/foxglove/pkg/models"
)

var (
	resolveInput      string
	resolveEntityType string
	resolveShards     int
	resolveThreshold  float64
	resolveDryRun     bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run batch entity resolution",
	Long: `Resolves a batch of identifier records into canonical entities. Input
comes from a batch file (--input) or from records already ingested and still
unresolved in the database. Exit code 3 means the run succeeded but left
conflicts pending operator review.`,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveInput, "input", "", "path to an identifier batch JSON file")
	resolveCmd.Flags().StringVar(&resolveEntityType, "entity-type", "", "only resolve records of this entity type")
	resolveCmd.Flags().IntVar(&resolveShards, "shards", 0, "writer shards for this run (0 = configured default)")
	resolveCmd.Flags().Float64Var(&resolveThreshold, "confidence-threshold", 0, "merge threshold for this run (0 = configured default)")
	resolveCmd.Flags().BoolVar(&resolveDryRun, "dry-run", false, "compute decisions without committing")
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, envFile)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.verifyAudit(ctx); err != nil {
		return err
	}

	var requests []models.CreateIdentifierRecordRequest

	if resolveInput != "" {
		raw, err := os.ReadFile(resolveInput)
		if err != nil {
			return fmt.Errorf("reading batch file: %w", err)
		}
		var batch kafka.IdentifierBatch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return fmt.Errorf("parsing batch file: %w", err)
		}
		for i := range batch.Records {
			if batch.Records[i].Source == "" {
				batch.Records[i].Source = batch.Source
			}
			if batch.Records[i].ExtractedAt.IsZero() {
				batch.Records[i].ExtractedAt = batch.ExtractedAt
			}
		}
		requests = batch.Records

		if len(batch.AssertedEdges) > 0 && !resolveDryRun {
			if err := a.edges.BulkUpsert(ctx, batch.AssertedEdges); err != nil {
				return err
			}
		}
	} else {
		pending, err := a.records.ListByStatus(ctx, models.RecordStatusUnresolved, 10000, 0)
		if err != nil {
			return err
		}
		for _, record := range pending {
			requests = append(requests, models.CreateIdentifierRecordRequest{
				Namespace:     record.Namespace,
				Value:         record.RawValue,
				EntityType:    record.EntityType,
				Source:        record.Source,
				DisplayName:   record.DisplayName,
				StructuralKey: record.StructuralKey,
				ExtractedAt:   record.ExtractedAt,
			})
		}
	}

	if len(requests) == 0 {
		a.log.Info("Nothing to resolve")
		return nil
	}

	resolver := a.resolver(resolveShards, resolveEntityType, resolveThreshold, resolveDryRun)
	report, err := resolver.Resolve(ctx, requests)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	if report.Fatal {
		return fmt.Errorf("resolution halted on a consistency error")
	}

	// Publish the refreshed mappings to the graph projection.
	if !resolveDryRun && a.graphPub != nil {
		snapshot, err := a.entities.Snapshot(ctx)
		if err != nil {
			return err
		}
		if err := a.graphPub.PublishMappings(ctx, snapshot.Mappings()); err != nil {
			a.log.WithError(err).Warn("Failed to publish mappings to graph")
		}
	}

	if report.HasConflicts() {
		exitCode = 3
	}
	return nil
}
