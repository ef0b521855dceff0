package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meridianbio/drugintel/internal/category"
	"github.com/meridianbio/drugintel/internal/model"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List the configured category taxonomy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry, err := category.LoadFile(cfg.Categories.Path)
		if err != nil {
			return err
		}

		all, _ := cmd.Flags().GetBool("all")
		cats := registry.Enabled()
		if all {
			cats = registry.All()
		}

		formatCategories(os.Stdout, cats)
		return nil
	},
}

func init() {
	categoriesCmd.Flags().Bool("all", false, "include disabled categories")
	rootCmd.AddCommand(categoriesCmd)
}

func formatCategories(out io.Writer, cats []model.CategoryConfig) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tPHASE\tWEIGHT\tENABLED\tPROVIDERS")
	_, _ = fmt.Fprintln(w, "---\t-----\t------\t-------\t---------")

	for _, c := range cats {
		phase := "collection"
		if c.Phase == model.PhaseDerived {
			phase = "derived"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%t\t%s\n",
			c.Key, phase, c.Weight, c.Enabled, strings.Join(c.ProviderOrder(), ","))
	}
	_ = w.Flush()
}
