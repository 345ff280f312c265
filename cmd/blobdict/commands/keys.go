package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List all keys",
	Long: `List all keys in the dictionary, one per line.

Indexed namespaces read the shared index object; unindexed namespaces
fall back to a bucket listing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		d, _, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		keys, err := d.Keys(ctx)
		if err != nil {
			return err
		}

		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every key in the dictionary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		d, _, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if !clearYes {
			n, err := d.Len(ctx)
			if err != nil {
				return err
			}
			return fmt.Errorf("refusing to delete %d key(s) without --yes", n)
		}

		return d.Clear(ctx)
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm deletion of all keys")
}
