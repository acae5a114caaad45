package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/parcelscope/property-research/internal/store"
)

var (
	propCity    string
	propState   string
	propAddress string
	propLimit   int
)

var propertiesCmd = &cobra.Command{
	Use:   "properties",
	Short: "List researched properties from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		props, err := st.SearchProperties(ctx, store.PropertyFilter{
			City:    propCity,
			State:   propState,
			Address: propAddress,
			Limit:   propLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(props)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	propertiesCmd.Flags().StringVar(&propCity, "city", "", "filter by city")
	propertiesCmd.Flags().StringVar(&propState, "state", "", "filter by state")
	propertiesCmd.Flags().StringVar(&propAddress, "address", "", "filter by address substring")
	propertiesCmd.Flags().IntVar(&propLimit, "limit", 50, "max results")
	rootCmd.AddCommand(propertiesCmd)
	rootCmd.AddCommand(statsCmd)
}
