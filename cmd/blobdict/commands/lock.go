package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/blobdict/pkg/dict"
)

var lockHold time.Duration

var lockCmd = &cobra.Command{
	Use:   "lock KEY",
	Short: "Hold an exclusive lock on KEY",
	Long: `Acquire an exclusive lock on KEY and hold it until interrupted
(or until --hold elapses). While held, other clients sharing the same
namespace scope cannot lock or modify the key; the underlying lease is
renewed automatically.

The lock is released when this command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		d, cfg, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		key := args[0]
		err = d.Lock(ctx, key, dict.LockOptions{
			Wait:         cfg.Lease.LockWait.Seconds(),
			PollInterval: cfg.Lease.PollInterval.Seconds(),
			Autocreate:   true,
		})
		if err != nil {
			return err
		}
		defer d.Unlock(key)

		fmt.Printf("Locked %q. Press Ctrl-C to release.\n", key)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		if lockHold > 0 {
			select {
			case <-sigCh:
			case <-time.After(lockHold):
			case <-ctx.Done():
			}
		} else {
			select {
			case <-sigCh:
			case <-ctx.Done():
			}
		}

		fmt.Printf("Released %q.\n", key)
		return nil
	},
}

var unlockWait time.Duration

var unlockCmd = &cobra.Command{
	Use:   "unlock KEY",
	Short: "Reclaim a stale lock on KEY",
	Long: `Wait until the lock on KEY can be acquired, then release it
immediately. This reclaims keys whose holder crashed: an orphaned lease
stops being renewed and lapses within the backend lease window.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		d, cfg, closer, err := openDict(ctx)
		if err != nil {
			return err
		}
		defer closer()

		wait := unlockWait.Seconds()
		if wait == 0 {
			wait = cfg.Lease.LockWait.Seconds()
		}

		key := args[0]
		err = d.Lock(ctx, key, dict.LockOptions{
			Wait:         wait,
			PollInterval: cfg.Lease.PollInterval.Seconds(),
			Autocreate:   true,
		})
		if err != nil {
			return err
		}

		d.Unlock(key)
		fmt.Printf("Unlocked %q.\n", key)
		return nil
	},
}

func init() {
	lockCmd.Flags().DurationVar(&lockHold, "hold", 0, "Release automatically after this duration (default: hold until interrupted)")
	unlockCmd.Flags().DurationVar(&unlockWait, "wait", 0, "How long to wait for the current holder (default: lease.lock_wait)")
}
