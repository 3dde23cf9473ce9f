package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/market-intel/internal/model"
)

var processCategories []string

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Analyze stored items that have not been processed yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cats, err := model.ParseCategories(processCategories)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "process", true)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Processor.ProcessBatch(ctx, cats...)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "submitted %d, processed %d, failed %d (model %s)\n",
			res.Submitted, res.Succeeded, res.Failed, env.Engine.Model())
		return err
	},
}

func init() {
	processCmd.Flags().StringSliceVar(&processCategories, "categories", nil, "limit to these categories (comma-separated)")
	rootCmd.AddCommand(processCmd)
}
