package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/store"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect request history",
	Long:  "Commands for listing requests, viewing merged results, and replaying stage audit trails.",
}

// -- requests list --

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drug intelligence requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		reqs, err := st.ListRequests(ctx, store.RequestFilter{
			Status: model.RequestStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "requests list")
		}

		if len(reqs) == 0 {
			fmt.Fprintln(os.Stderr, "No requests found.")
			return nil
		}

		formatRequestsList(os.Stdout, reqs)
		return nil
	},
}

// -- requests show --

var requestsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show a request and its merged results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		req, err := st.GetRequest(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "requests show")
		}
		results, err := st.ListMergedResults(ctx, req.ID)
		if err != nil {
			return eris.Wrap(err, "requests show")
		}

		out := struct {
			Request *model.DrugRequest   `json:"request"`
			Results []model.MergedResult `json:"results"`
		}{Request: req, Results: results}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- requests stages --

var requestsStagesCmd = &cobra.Command{
	Use:   "stages <request-id>",
	Short: "Replay the stage audit trail of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		stages, err := st.ListStages(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "requests stages")
		}
		if len(stages) == 0 {
			fmt.Fprintln(os.Stderr, "No stages recorded.")
			return nil
		}

		formatStages(os.Stdout, stages)
		return nil
	},
}

func init() {
	requestsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, cancelled)")
	requestsListCmd.Flags().Int("limit", 50, "max number of requests to display")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsShowCmd)
	requestsCmd.AddCommand(requestsStagesCmd)
	rootCmd.AddCommand(requestsCmd)
}

// formatRequestsList writes a tabular list of requests to w.
func formatRequestsList(out io.Writer, reqs []model.DrugRequest) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDRUG\tSTATUS\tPROGRESS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t-------\t--------")

	for _, r := range reqs {
		drug := r.DrugName
		if len(drug) > 30 {
			drug = drug[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(r.ID),
			drug,
			r.Status,
			r.CompletedCategories,
			r.TotalCategories,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String(),
		)
	}
	_ = w.Flush()
}

// formatStages writes the stage audit trail to w.
func formatStages(out io.Writer, stages []model.StageExecution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATEGORY\tORDER\tSTAGE\tSTATE\tDURATION\tDETAIL")
	_, _ = fmt.Fprintln(w, "--------\t-----\t-----\t-----\t--------\t------")

	for _, s := range stages {
		state := "executed"
		detail := ""
		if s.Skipped {
			state = "skipped"
			detail = s.SkipReason
		} else if errMsg, ok := s.Metadata["error"].(string); ok {
			state = "failed"
			detail = errMsg
		}
		if len(detail) > 40 {
			detail = detail[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%dms\t%s\n",
			s.CategoryKey, s.StageOrder, s.Stage, state, s.DurationMS, detail)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
