package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/api"
	"vigil/internal/apiclient"
)

const jobPollInterval = 500 * time.Millisecond

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"job"},
		Short:   "Create and inspect analytics jobs",
	}
	jobsCmd.AddCommand(newJobCreateCommand(ctx))
	jobsCmd.AddCommand(newJobListCommand(ctx))
	jobsCmd.AddCommand(newJobShowCommand(ctx))
	jobsCmd.AddCommand(newJobCancelCommand(ctx))
	jobsCmd.AddCommand(newJobDeleteCommand(ctx))
	return jobsCmd
}

func newJobCreateCommand(ctx *commandContext) *cobra.Command {
	var req api.CreateJobRequest
	var wait bool
	cmd := &cobra.Command{
		Use:   "create --model TYPE SOURCE",
		Short: "Submit an upload (file path) or stream (URL) job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SourceRef = strings.TrimSpace(args[0])
			if req.Kind == "" {
				req.Kind = "upload"
				if strings.Contains(req.SourceRef, "://") {
					req.Kind = "stream"
				}
			}
			if req.Kind == "upload" && !filepath.IsAbs(req.SourceRef) {
				abs, err := filepath.Abs(req.SourceRef)
				if err != nil {
					return fmt.Errorf("resolve source path: %w", err)
				}
				req.SourceRef = abs
			}
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				created, err := client.CreateJob(c, req)
				if err != nil {
					return err
				}
				if !wait {
					if ctx.jsonOutput() {
						return writeJSON(cmd, created)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", created.JobID, created.Status)
					return nil
				}
				job, err := waitForJob(c, cmd, client, created.JobID, !ctx.jsonOutput())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, job)
				}
				return printJob(cmd, job)
			})
		},
	}
	cmd.Flags().StringVar(&req.Kind, "kind", "", "Job kind: upload or stream (inferred from SOURCE when omitted)")
	cmd.Flags().StringVarP(&req.ModelType, "model", "m", "", "Model type to run")
	cmd.Flags().IntVarP(&req.DurationSeconds, "duration", "d", 0, "Capture duration in seconds for stream jobs")
	cmd.Flags().StringVar(&req.StreamID, "stream-id", "", "Live-count stream id for stream jobs (defaults to the job id)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func waitForJob(ctx context.Context, cmd *cobra.Command, client *apiclient.Client, id string, showProgress bool) (api.Job, error) {
	last := -1
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		job, err := client.GetJob(ctx, id)
		if err != nil {
			return api.Job{}, err
		}
		if showProgress && job.Progress != last {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %d%%\n", shortID(job.JobID), job.Status, job.Progress)
			last = job.Progress
		}
		switch job.Status {
		case "completed", "failed", "cancelled":
			return job, nil
		}
		select {
		case <-ctx.Done():
			return api.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var q apiclient.ListQuery
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				page, err := client.ListJobs(c, q)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, page)
				}
				out := cmd.OutOrStdout()
				if len(page.Items) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				fmt.Fprintln(out, renderJobTable(page.Items, shouldColorize(out)))
				if page.Total > page.Offset+len(page.Items) {
					fmt.Fprintf(out, "Showing %d-%d of %d (use --offset for more)\n", page.Offset+1, page.Offset+len(page.Items), page.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&q.Statuses, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	cmd.Flags().StringVar(&q.Kind, "kind", "", "Filter by kind")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Page size")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Page offset")
	return cmd
}

func renderJobTable(jobs []api.Job, colorize bool) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			shortID(job.JobID),
			job.Kind,
			job.ModelType,
			displayStatus(job.Status, colorize),
			strconv.Itoa(job.Progress) + "%",
			orDash(job.CreatedAt),
			orDash(job.SourceRef),
		})
	}
	return renderTable(
		[]string{"ID", "Kind", "Model", "Status", "Progress", "Created", "Source"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show one job including its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				job, err := client.GetJob(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, job)
				}
				return printJob(cmd, job)
			})
		},
	}
}

func printJob(cmd *cobra.Command, job api.Job) error {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	fields := [][2]string{
		{"ID", job.JobID},
		{"Tenant", job.TenantID},
		{"Owner", job.OwnerID},
		{"Kind", job.Kind},
		{"Model", job.ModelType},
		{"Source", job.SourceRef},
		{"Status", displayStatus(job.Status, colorize)},
		{"Progress", strconv.Itoa(job.Progress) + "%"},
		{"Created", job.CreatedAt},
		{"Started", job.StartedAt},
		{"Completed", job.CompletedAt},
	}
	if job.Kind == "stream" {
		fields = append(fields, [2]string{"Duration", strconv.Itoa(job.DurationSeconds) + "s"}, [2]string{"Stream", job.StreamID})
	}
	if job.ErrorMessage != "" {
		fields = append(fields, [2]string{"Error", job.ErrorMessage}, [2]string{"Error kind", job.ErrorKind})
	}
	for _, f := range fields {
		fmt.Fprintf(out, "%-12s %s\n", f[0]+":", orDash(f[1]))
	}
	if len(job.Result) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, job.Result, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(job.Result)
		}
		fmt.Fprintf(out, "Result:\n%s\n", pretty.String())
	}
	return nil
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a queued or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				resp, err := client.CancelJob(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", resp.JobID, resp.Status)
				return nil
			})
		},
	}
}

func newJobDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "delete JOB_ID",
		Aliases: []string{"rm"},
		Short:   "Delete a job and its artifacts",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				resp, err := client.DeleteJob(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", args[0])
				return nil
			})
		},
	}
}
