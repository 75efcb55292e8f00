package deps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const versionProbeTimeout = 5 * time.Second

// ProbeFFmpeg resolves binary and records its version banner in Detail.
// A binary that resolves but fails "-version" is reported unavailable.
func ProbeFFmpeg(ctx context.Context, name, binary, description string) Status {
	status := Status{Name: name, Command: strings.TrimSpace(binary), Description: description}
	if status.Command == "" {
		status.Detail = "command not configured"
		return status
	}
	resolved, err := exec.LookPath(status.Command)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", status.Command)
		return status
	}
	status.Command = resolved

	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	output, err := exec.CommandContext(probeCtx, resolved, "-version").Output()
	if err != nil {
		status.Detail = fmt.Sprintf("version probe failed: %v", err)
		return status
	}
	status.Available = true
	status.Detail = versionLine(output)
	return status
}

// versionLine extracts "ffmpeg version X" from the first banner line.
func versionLine(output []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	if !scanner.Scan() {
		return ""
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) >= 3 && fields[1] == "version" {
		return strings.Join(fields[:3], " ")
	}
	return strings.TrimSpace(scanner.Text())
}
