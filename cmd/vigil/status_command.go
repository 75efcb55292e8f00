package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vigil/internal/api"
	"vigil/internal/daemonctl"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, engine, stream, and dependency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), client, cfg)
			if err != nil {
				return wrapClientError(err)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(renderStatus(status, shouldColorize(cmd.OutOrStdout())), "\n"))
			return nil
		},
	}
}

func renderStatus(status api.DaemonStatus, colorize bool) []string {
	var lines []string
	lines = append(lines, renderSectionHeader("Daemon", colorize)...)
	if status.Running {
		lines = append(lines, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d, since %s)", status.PID, orDash(status.StartedAt)), colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}
	lines = append(lines, renderStatusLine("Job store", statusInfo, status.StorePath, colorize))

	engine := status.Engine
	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Jobs", colorize)...)
	slotKind := statusOK
	if engine.Slots > 0 && engine.SlotsUsed >= engine.Slots {
		slotKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Slots", slotKind, fmt.Sprintf("%d/%d in use", engine.SlotsUsed, engine.Slots), colorize))
	for _, name := range []string{"queued", "processing", "completed", "failed", "cancelled"} {
		kind := statusInfo
		if name == "failed" && engine.JobStats[name] > 0 {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine(titleCaser.String(name), kind, strconv.Itoa(engine.JobStats[name]), colorize))
	}
	if engine.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, engine.LastError, colorize))
	}
	if len(engine.Running) > 0 {
		rows := make([][]string, 0, len(engine.Running))
		for _, r := range engine.Running {
			rows = append(rows, []string{shortID(r.JobID), r.Phase, orDash(r.StartedAt)})
		}
		lines = append(lines, renderTable([]string{"Job", "Phase", "Started"}, rows, nil))
	}

	if len(status.Sessions) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Streams", colorize)...)
		lines = append(lines, renderSessionTable(status.Sessions, colorize))
	}

	if len(status.Processes) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Processes", colorize)...)
		rows := make([][]string, 0, len(status.Processes))
		for _, p := range status.Processes {
			rows = append(rows, []string{p.Label, strconv.Itoa(p.PID), fmt.Sprintf("%.1f", p.CPUPercent), humanize.IBytes(p.RSSBytes)})
		}
		lines = append(lines, renderTable([]string{"Process", "PID", "CPU %", "RSS"}, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
	}

	if len(status.Live.Streams) > 0 || len(status.Live.Sinks) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Live counts", colorize)...)
		lines = append(lines, renderStatusLine("Sinks", statusInfo, orDash(strings.Join(status.Live.Sinks, ", ")), colorize))
		if status.Live.ForwardDropped > 0 {
			lines = append(lines, renderStatusLine("Forward dropped", statusWarn, strconv.FormatUint(status.Live.ForwardDropped, 10), colorize))
		}
		for _, s := range status.Live.Streams {
			lines = append(lines, renderStatusLine(s.StreamID, statusInfo,
				fmt.Sprintf("inside %d (in %d, out %d), %d subscribers", s.Inside, s.Entered, s.Exited, s.Subscribers), colorize))
		}
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Dependencies", colorize)...)
	for _, dep := range status.Dependencies {
		kind, message := statusOK, dep.Command
		if !dep.Available {
			kind = statusError
			if dep.Optional {
				kind = statusWarn
			}
			message = dep.Detail
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, message, colorize))
	}
	for _, check := range status.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
	return lines
}
