package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/exposure-ingest/internal/identity"
	"github.com/rcourtman/exposure-ingest/internal/ingest"
	"github.com/rcourtman/exposure-ingest/internal/logging"
)

// ingestOutput is the machine-readable summary of one ingest run.
type ingestOutput struct {
	File  string `json:"file"`
	RunID string `json:"run_id"`
	ingest.Result
	ProcessingMS int64  `json:"processing_ms"`
	Error        string `json:"error,omitempty"`
	FailedChunk  *int   `json:"failed_chunk,omitempty"`
}

func newIngestCmd() *cobra.Command {
	var (
		officeID    string
		scannerType string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a file of canonical exposure events",
		Long:  `Ingest a JSON array or newline-delimited JSON file of canonical exposure events. Invalid events and unreadable files are quarantined.`,
		Example: `  # Ingest one scanner output file
  exposure-ingest ingest nuclei-office-nyc.json --office-id office-nyc --scanner-type nuclei

  # Machine-readable summary
  exposure-ingest ingest scan.ndjson --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			path := args[0]
			runID := identity.NewRunID()
			ctx := logging.WithRunID(cmd.Context(), runID)

			start := time.Now()
			result, ingestErr := a.coordinator().IngestFile(ctx, path, ingest.Source{
				Filename:    filepath.Base(path),
				ScannerType: scannerType,
				OfficeID:    officeID,
			})
			out := ingestOutput{
				File:         path,
				RunID:        runID,
				Result:       result,
				ProcessingMS: time.Since(start).Milliseconds(),
			}
			if ingestErr != nil {
				out.Error = ingestErr.Error()
				var chunkErr *ingest.ChunkError
				if errors.As(ingestErr, &chunkErr) {
					chunk := chunkErr.Chunk
					out.FailedChunk = &chunk
				}
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "File:               %s\n", out.File)
				fmt.Fprintf(w, "Events inserted:    %d\n", out.EventsInserted)
				fmt.Fprintf(w, "Events rejected:    %d\n", out.EventsRejected)
				fmt.Fprintf(w, "Exposures inserted: %d\n", out.ExposuresInserted)
				fmt.Fprintf(w, "Exposures updated:  %d\n", out.ExposuresUpdated)
				fmt.Fprintf(w, "Chunks committed:   %d\n", out.ChunksCommitted)
				fmt.Fprintf(w, "Processing time:    %dms\n", out.ProcessingMS)
			}
			return ingestErr
		},
	}

	cmd.Flags().StringVar(&officeID, "office-id", "", "office recorded on quarantine records for this file")
	cmd.Flags().StringVar(&scannerType, "scanner-type", "", "scanner type recorded on quarantine records for this file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	return cmd
}
