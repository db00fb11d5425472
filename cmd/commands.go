package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bulkflow/internal/app"
	"bulkflow/internal/domain"
	"bulkflow/internal/pipeline"
	"bulkflow/internal/progress"
	"bulkflow/internal/task"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upload a CSV file and import its rows",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	f := cmd.Flags()
	f.Int("buffer-size", 1000, "Records buffered between pipeline stages")
	f.Int("workers", 0, "Parse and validate workers (default 2x CPUs)")
	f.Float64("max-error-rate", 0, "Abort when this fraction of records fails (0 disables)")
	f.Int("segment-size", 100, "Records per commit segment")
	f.Duration("segment-timeout", 30*time.Second, "Timeout of one segment transaction")
	f.Int("segment-retries", 3, "Retries for a failed segment")
	f.Bool("show-progress", true, "Show progress display")

	f.Int("columns", 0, "Reject rows with a different field count (0 accepts any)")
	f.Bool("skip-header", true, "Treat the first line as a header")
	f.Bool("allow-partial", false, "Complete the task when only some rows fail")
	f.Int64("chunk-size", 5*1024*1024, "Upload chunk size in bytes")
	f.String("business-type", "", "Business type recorded on the task")
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := s.watchSignals(cmd.Context())
	defer stop()
	s.engine.Start(ctx)

	flags := cmd.Flags()
	columns, _ := flags.GetInt("columns")
	skipHeader, _ := flags.GetBool("skip-header")
	allowPartial, _ := flags.GetBool("allow-partial")
	chunkSize, _ := flags.GetInt64("chunk-size")
	businessType, _ := flags.GetString("business-type")

	path := args[0]
	up, err := s.engine.UploadFile(ctx, path, ownerID, chunkSize)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	if up.Instant {
		fmt.Printf("File already stored as %s\n", up.FileRef)
	} else {
		fmt.Printf("Uploaded %s (%d chunks sent, %d resumed)\n", up.FileRef, up.Sent, up.Skipped)
	}

	var display *progress.Display
	var tracker *progress.Tracker
	if s.cfg.ShowProgress && progress.IsTerminalSupported() {
		tracker = progress.NewTracker(up.UploadID)
		display = progress.NewDisplay(tracker, "Import", time.Second)
		display.Start()
	}

	report, err := s.engine.ImportCSV(ctx, app.CSVImport{
		Request: task.CreateRequest{
			BusinessType:        businessType,
			FileName:            filepath.Base(path),
			OwnerID:             ownerID,
			SourceFileRef:       up.FileRef,
			AllowPartialFailure: allowPartial,
		},
		Columns:    columns,
		SkipHeader: skipHeader,
		OnProgress: func(p pipeline.Progress) {
			if tracker != nil {
				tracker.Update(p.Success, p.Errors, p.Skipped)
			}
		},
	})
	if display != nil {
		display.Stop()
	}
	if report != nil {
		printTask(os.Stdout, report.Task)
		if report.ErrorFileRef != "" {
			fmt.Printf("Error report: %s\n", report.ErrorFileRef)
		}
	}
	return err
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <import-task-id>",
		Short: "Export the rows of a finished import to CSV",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	cmd.Flags().String("header", "", "Comma separated header row")
	cmd.Flags().String("out", "", "Also download the export to this local file")
	cmd.Flags().String("name", "", "Export file name (default <task-id>.csv)")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := s.watchSignals(cmd.Context())
	defer stop()
	s.engine.Start(ctx)

	header, _ := cmd.Flags().GetString("header")
	out, _ := cmd.Flags().GetString("out")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = args[0] + ".csv"
	}
	var columns []string
	if header != "" {
		columns = strings.Split(header, ",")
	}

	report, err := s.engine.ExportRows(ctx, task.CreateRequest{OwnerID: ownerID, FileName: name}, args[0], columns)
	if report != nil {
		printTask(os.Stdout, report.Task)
	}
	if err != nil {
		return err
	}
	if report.ResultFileRef == "" {
		return nil
	}
	fmt.Printf("Export stored as %s\n", report.ResultFileRef)

	if out == "" {
		return nil
	}
	obj, err := s.engine.Blobs().Get(ctx, report.ResultFileRef)
	if err != nil {
		return err
	}
	defer obj.Close()

	file, err := os.Create(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, obj); err != nil {
		file.Close()
		return fmt.Errorf("failed to download export: %w", err)
	}
	return file.Close()
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks [task-id]",
		Short: "List tasks, or show one task with its row errors",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTasks,
	}
	cmd.Flags().String("status", "", "Filter by status")
	cmd.Flags().String("kind", "", "Filter by kind (IMPORT/EXPORT)")
	cmd.Flags().Bool("all-owners", false, "List tasks of every owner")
	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().Int("size", 20, "Page size")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func runTasks(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	flags := cmd.Flags()
	asJSON, _ := flags.GetBool("json")
	reg := s.engine.Registry()

	if len(args) == 1 {
		t, err := reg.Get(ctx, args[0])
		if err != nil {
			return err
		}
		errs, err := reg.Errors(ctx, t.ID, 20)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(map[string]any{"task": t, "errors": errs})
		}
		printTask(os.Stdout, t)
		for _, e := range errs {
			fmt.Printf("  row %d: [%s] %s\n", e.RowNumber, e.ErrorType, e.Message)
		}
		return nil
	}

	status, _ := flags.GetString("status")
	kind, _ := flags.GetString("kind")
	allOwners, _ := flags.GetBool("all-owners")
	page, _ := flags.GetInt("page")
	size, _ := flags.GetInt("size")

	filter := task.Filter{
		Status: domain.Status(strings.ToUpper(status)),
		Kind:   domain.Kind(strings.ToUpper(kind)),
	}
	if !allOwners {
		filter.OwnerID = ownerID
	}
	result, err := reg.List(ctx, filter, page, size)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tSUCCESS\tFAILED\tSKIPPED\tFILE\tCREATED")
	for _, t := range result.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d\t%d\t%d\t%s\t%s\n",
			t.ID, t.Kind, t.Status, t.ProgressPercent,
			t.SuccessCount, t.FailureCount, t.SkipCount,
			t.FileName, t.CreatedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d tasks\n", len(result.Items), result.Total)
	return nil
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.engine.Registry().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Task %s cancelled\n", args[0])
			return nil
		},
	}
}

func uploadStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload-status <upload-id>",
		Short: "Show how much of a chunked upload has arrived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			p, err := s.engine.Uploads().Progress(ctx, args[0])
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				return printJSON(p)
			}

			fmt.Printf("Upload %s (%s)\n", p.UploadID, p.FileName)
			fmt.Printf("  Status:   %s\n", p.Status)
			fmt.Printf("  Chunks:   %d/%d (%d%%)\n", p.ReceivedChunks, p.TotalChunks, p.Percent)
			fmt.Printf("  Bytes:    %s/%s\n", progress.FormatBytes(p.ReceivedBytes), progress.FormatBytes(p.TotalSize))
			if p.FileRef != "" {
				fmt.Printf("  File:     %s\n", p.FileRef)
				if ttl, _ := cmd.Flags().GetDuration("url-ttl"); ttl > 0 {
					url, err := s.engine.Uploads().PresignedURL(ctx, p.FileRef, ttl)
					if err != nil {
						return err
					}
					fmt.Printf("  Download: %s\n", url)
				}
			} else {
				fmt.Printf("  Expires:  %s\n", p.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	cmd.Flags().Duration("url-ttl", 0, "Print a presigned download URL valid this long")
	return cmd
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Cancel upload sessions left open past their TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			n, err := s.engine.Uploads().ReapExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Reaped %d expired uploads\n", n)
			return nil
		},
	}
}

func printTask(w io.Writer, t *domain.Task) {
	if t == nil {
		return
	}
	fmt.Fprintf(w, "Task %s [%s] %s\n", t.ID, t.Kind, t.Status)
	fmt.Fprintf(w, "  Records:  %d total, %d succeeded, %d failed, %d skipped\n",
		t.TotalCount, t.SuccessCount, t.FailureCount, t.SkipCount)
	if t.DurationMs > 0 {
		fmt.Fprintf(w, "  Duration: %s\n", progress.FormatDuration(time.Duration(t.DurationMs)*time.Millisecond))
	}
	if t.Message != "" {
		fmt.Fprintf(w, "  Message:  %s\n", t.Message)
	}
	if t.ResultFileRef != "" {
		fmt.Fprintf(w, "  Result:   %s\n", t.ResultFileRef)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
