package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"vigil/internal/api"
	"vigil/internal/apiclient"
)

func newStreamCommand(ctx *commandContext) *cobra.Command {
	streamCmd := &cobra.Command{
		Use:     "stream",
		Aliases: []string{"streams"},
		Short:   "Manage live stream proxy sessions",
	}
	streamCmd.AddCommand(newStreamStartCommand(ctx))
	streamCmd.AddCommand(newStreamStopCommand(ctx))
	streamCmd.AddCommand(newStreamListCommand(ctx))
	streamCmd.AddCommand(newStreamSnapshotCommand(ctx))
	return streamCmd
}

func newStreamStartCommand(ctx *commandContext) *cobra.Command {
	var req api.StartStreamRequest
	cmd := &cobra.Command{
		Use:   "start SOURCE_URL",
		Short: "Start proxying an RTSP/HTTP source as MJPEG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SourceURL = args[0]
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				resp, err := client.StartStream(c, req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Stream %s %s\n", resp.StreamID, resp.Status)
				fmt.Fprintf(out, "  video:    %s\n", resp.VideoEndpoint)
				fmt.Fprintf(out, "  snapshot: %s\n", resp.SnapshotEndpoint)
				if resp.LiveEndpoint != "" {
					fmt.Fprintf(out, "  live:     %s\n", resp.LiveEndpoint)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.StreamID, "id", "", "Stream id (derived from the URL when omitted)")
	cmd.Flags().IntVar(&req.FPS, "fps", 0, "Output frame rate")
	cmd.Flags().StringVar(&req.Resolution, "resolution", "", "Output resolution as WIDTHxHEIGHT")
	cmd.Flags().StringVar(&req.LiveCount, "live-count", "", "Model type for the live-count companion")
	return cmd
}

func newStreamStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop STREAM_ID",
		Short: "Stop a stream session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				resp, err := client.StopStream(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stream %s stopped\n", args[0])
				return nil
			})
		},
	}
}

func newStreamListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stream sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				resp, err := client.ListStreams(c)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Sessions) == 0 {
					fmt.Fprintln(out, "No streams")
					return nil
				}
				fmt.Fprintln(out, renderSessionTable(resp.Sessions, shouldColorize(out)))
				return nil
			})
		},
	}
}

func renderSessionTable(sessions []api.StreamSession, colorize bool) string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.StreamID,
			displayStatus(s.Status, colorize),
			strconv.Itoa(s.Subscribers),
			strconv.FormatUint(s.Frames, 10),
			orDash(s.LiveCount),
			orDash(s.LastError),
		})
	}
	return renderTable(
		[]string{"Stream", "Status", "Viewers", "Frames", "Live count", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func newStreamSnapshotCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "snapshot STREAM_ID",
		Short: "Save the latest frame of a stream as JPEG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" {
				target = args[0] + ".jpg"
			}
			return ctx.withClient(cmd, func(c context.Context, client *apiclient.Client) error {
				frame, err := client.Snapshot(c, args[0])
				if err != nil {
					return err
				}
				if err := os.WriteFile(target, frame, 0o644); err != nil {
					return fmt.Errorf("write snapshot: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(frame), target)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default STREAM_ID.jpg)")
	return cmd
}
