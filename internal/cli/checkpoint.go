package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/checkpoint"
)

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or repair checkpoints",
		Long: `Read or overwrite the high-water mark of one test and location. Keys have
the form <testId>_<locationId>.`,
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := checkpoint.NewStore(cmd.Context(), a.cfg.Checkpoint)
			if err != nil {
				return fmt.Errorf("create checkpoint store: %w", err)
			}
			defer store.Close()

			cp, ok, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no checkpoint for %s", args[0])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(cp)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <epoch-ms>",
		Short: "Overwrite a checkpoint",
		Long: `Overwrite a checkpoint. Lowering it makes the next cycle re-deliver the
latest run of that test and location.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid checkpoint value %q: %w", args[1], err)
			}

			store, err := checkpoint.NewStore(cmd.Context(), a.cfg.Checkpoint)
			if err != nil {
				return fmt.Errorf("create checkpoint store: %w", err)
			}
			defer store.Close()

			if err := checkpoint.NewGate(store).Advance(cmd.Context(), args[0], v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %d\n", args[0], v)
			return nil
		},
	}

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}
