package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/parcelscope/property-research/internal/model"
)

var (
	researchAddress string
	researchCity    string
	researchState   string
)

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Research a single property and print the batch result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initResearch(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Orchestrator.Run(ctx, model.Subject{
			Address: researchAddress,
			City:    researchCity,
			State:   researchState,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchAddress, "address", "", "street address (required)")
	researchCmd.Flags().StringVar(&researchCity, "city", "", "city (required)")
	researchCmd.Flags().StringVar(&researchState, "state", "", "2-letter state code (required)")
	researchCmd.MarkFlagRequired("address")
	researchCmd.MarkFlagRequired("city")
	researchCmd.MarkFlagRequired("state")
	rootCmd.AddCommand(researchCmd)
}
