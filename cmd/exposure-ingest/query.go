package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/exposure-ingest/internal/audit"
	"github.com/rcourtman/exposure-ingest/internal/canonical"
	"github.com/rcourtman/exposure-ingest/internal/quarantine"
	"github.com/rcourtman/exposure-ingest/internal/reconcile"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s must be an RFC3339 timestamp: %w", name, err)
	}
	return &t, nil
}

func deref[T any](v *T) any {
	if v == nil {
		return "-"
	}
	return *v
}

func newExposuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exposures",
		Short: "Inspect the current exposure state",
	}

	var (
		filter     reconcile.Filter
		status     string
		class      string
		jsonOutput bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List current exposures, most severe first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = canonical.ExposureStatus(status)
			if status != "" && !filter.Status.IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}
			filter.Class = canonical.ExposureClass(class)
			if class != "" && !filter.Class.IsValid() {
				return fmt.Errorf("unknown exposure class %q", class)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.current.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				if rows == nil {
					rows = []reconcile.Exposure{}
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "OFFICE\tEXPOSURE\tCLASS\tSTATUS\tSEV\tASSET\tDST\tPRODUCT\tLAST SEEN\tREV")
			for _, x := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%v:%v\t%v\t%s\t%d\n",
					x.OfficeID, x.ExposureID, x.Class, x.Status, x.Severity, x.AssetID,
					deref(x.DstIP), deref(x.DstPort), deref(x.ServiceProduct),
					x.LastSeen.Format(time.RFC3339), x.Revision)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&filter.OfficeID, "office-id", "", "only this office")
	list.Flags().StringVar(&status, "status", "", "only this status (open, observed, resolved, suppressed)")
	list.Flags().StringVar(&class, "class", "", "only this exposure class")
	list.Flags().StringVar(&filter.AssetID, "asset-id", "", "only this asset")
	list.Flags().IntVar(&filter.MinSeverity, "min-severity", 0, "minimum severity")
	list.Flags().IntVar(&filter.Limit, "limit", 100, "maximum rows, 0 for all")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	list.Flags().BoolVar(&jsonOutput, "json", false, "print rows as JSON")

	cmd.AddCommand(list)
	return cmd
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the exposure event history",
	}

	var (
		filter       audit.QueryFilter
		since, until string
		jsonOutput   bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List history records in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filter.StartTime, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if filter.EndTime, err = parseTimeFlag("until", until); err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.history.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				if records == nil {
					records = []audit.Record{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "EVENT\tTIMESTAMP\tOFFICE\tEXPOSURE\tCLASS\tSTATUS\tACTION\tSEV\tSCANNER")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.EventID, r.Timestamp.Format(time.RFC3339), r.OfficeID, r.ExposureID,
					r.ExposureClass, r.ExposureStatus, r.EventAction, r.Severity, r.ScannerType)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&filter.OfficeID, "office-id", "", "only this office")
	list.Flags().StringVar(&filter.ExposureID, "exposure-id", "", "only this exposure")
	list.Flags().StringVar(&filter.AssetID, "asset-id", "", "only this asset")
	list.Flags().StringVar(&since, "since", "", "only events at or after this RFC3339 time")
	list.Flags().StringVar(&until, "until", "", "only events at or before this RFC3339 time")
	list.Flags().IntVar(&filter.Limit, "limit", 100, "maximum rows, 0 for all")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	list.Flags().BoolVar(&jsonOutput, "json", false, "print rows as JSON")

	cmd.AddCommand(list)
	return cmd
}

func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect quarantined inputs",
	}

	var (
		filter     quarantine.Filter
		kind       string
		since      string
		jsonOutput bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List quarantined inputs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.ErrorKind = quarantine.ErrorKind(kind)
			var err error
			if filter.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.sink.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				if records == nil {
					records = []quarantine.Record{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUARANTINED\tFILE\tKIND\tOFFICE\tMESSAGE")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n",
					r.ID, r.QuarantinedAt.Format(time.RFC3339), r.Filename, r.ErrorKind,
					deref(r.OfficeID), r.ErrorMessage)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "only this error kind")
	list.Flags().StringVar(&filter.OfficeID, "office-id", "", "only this office")
	list.Flags().StringVar(&since, "since", "", "only records at or after this RFC3339 time")
	list.Flags().IntVar(&filter.Limit, "limit", 100, "maximum rows, 0 for all")
	list.Flags().BoolVar(&jsonOutput, "json", false, "print rows as JSON")

	cmd.AddCommand(list)
	return cmd
}
