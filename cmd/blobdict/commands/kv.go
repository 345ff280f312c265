package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the value stored under KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		d, _, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		value, err := d.Get(ctx, args[0])
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(value)
		return err
	},
}

var setForce bool

var setCmd = &cobra.Command{
	Use:   "set KEY [VALUE]",
	Short: "Store a value under KEY",
	Long: `Store a value under KEY. The value is taken from the command line,
or from stdin when omitted:

  blobdict set greeting hello
  cat report.json | blobdict set report

The write fails when the key changed since this client last saw it;
pass --force to overwrite regardless.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		var value []byte
		if len(args) == 2 {
			value = []byte(args[1])
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read value from stdin: %w", err)
			}
			value = data
		}

		d, _, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if setForce {
			return d.ForceSet(ctx, args[0], value)
		}
		return d.Set(ctx, args[0], value)
	},
}

var delCmd = &cobra.Command{
	Use:     "del KEY...",
	Aliases: []string{"delete", "rm"},
	Short:   "Delete one or more keys",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		d, _, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if len(args) == 1 {
			return d.Delete(ctx, args[0])
		}
		return d.DeleteMany(ctx, args)
	},
}

var containsCmd = &cobra.Command{
	Use:   "contains KEY",
	Short: "Report whether KEY exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		d, _, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		ok, err := d.Contains(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Println(ok)
		if !ok {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	setCmd.Flags().BoolVar(&setForce, "force", false, "Overwrite even if the key changed concurrently")
}
