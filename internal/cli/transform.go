package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/sink"
)

func newTransformCmd(a *app) *cobra.Command {
	var run har.RunMeta

	cmd := &cobra.Command{
		Use:   "transform <file>",
		Short: "Flatten an archive document to NDJSON records",
		Long: `Read an archive document from a file ("-" for stdin) and print the records
a poll cycle would emit for it, one JSON object per line. No API calls are
made and no checkpoint is touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			doc, err := har.Parse(raw)
			if err != nil {
				return err
			}

			if run.Realm == "" {
				run.Realm = a.cfg.API.Realm
			}
			if run.OrgID == "" {
				run.OrgID = a.cfg.API.OrgID
			}
			api := a.cfg.API
			api.Realm = run.Realm
			run.PlatformRoot = api.PlatformURL()

			records, err := har.Transform(doc, run)
			if err != nil {
				return err
			}

			out := sink.NewWriterSink(cmd.OutOrStdout())
			for i, rec := range records {
				if err := out.Emit(cmd.Context(), sink.Event{Run: run, Seq: i, Record: rec}); err != nil {
					return err
				}
			}
			return out.Flush(cmd.Context())
		},
	}

	cmd.Flags().Int64Var(&run.TestID, "test-id", 0, "test id stamped on request records")
	cmd.Flags().StringVar(&run.TestName, "test-name", "", "test name")
	cmd.Flags().StringVar(&run.Location, "location", "", "run location id")
	cmd.Flags().Int64Var(&run.RunTime, "run-time", 0, "run time in epoch milliseconds")
	cmd.Flags().StringVar(&run.OrgID, "org-id", "", "org id (default from config)")
	cmd.Flags().StringVar(&run.Realm, "realm", "", "realm (default from config)")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}
