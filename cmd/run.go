package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/model"
)

var (
	runDrug       string
	runDelivery   string
	runCategories []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run intelligence collection for a single drug",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		req, cats, err := env.Pipeline.Submit(ctx, runDrug, runDelivery, runCategories)
		if err != nil {
			return eris.Wrap(err, "submit request")
		}

		if err := env.Pipeline.Run(ctx, req, cats); err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		results, err := env.Store.ListMergedResults(ctx, req.ID)
		if err != nil {
			return eris.Wrap(err, "load results")
		}

		zap.L().Info("collection complete",
			zap.String("request_id", req.ID),
			zap.String("drug", runDrug),
			zap.Int("categories", len(results)),
		)

		out := struct {
			RequestID string               `json:"request_id"`
			DrugName  string               `json:"drug_name"`
			Results   []model.MergedResult `json:"results"`
		}{RequestID: req.ID, DrugName: runDrug, Results: results}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	runCmd.Flags().StringVar(&runDrug, "drug", "", "drug name to research (required)")
	runCmd.Flags().StringVar(&runDelivery, "delivery", "", "delivery method context (e.g. oral, transdermal)")
	runCmd.Flags().StringSliceVar(&runCategories, "categories", nil, "category keys to run (default: all enabled)")
	_ = runCmd.MarkFlagRequired("drug")
	rootCmd.AddCommand(runCmd)
}
