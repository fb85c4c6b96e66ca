package stats

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// valuePattern is the relaxed text fallback for CLI output that is not
// valid JSON, e.g. "value: 12345".
var valuePattern = regexp.MustCompile(`value\s*:\s*([0-9]+)`)

// CLITransport queries the stats interface by invoking the data-plane
// binary's api subcommand.
type CLITransport struct {
	binaryPath string
	serverAddr string
	timeout    time.Duration
}

// NewCLITransport builds the CLI transport. The timeout floors at 3s and
// defaults to 7s.
func NewCLITransport(binaryPath, serverAddr string, timeout time.Duration) *CLITransport {
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	if timeout < 3*time.Second {
		timeout = 3 * time.Second
	}
	return &CLITransport{
		binaryPath: binaryPath,
		serverAddr: serverAddr,
		timeout:    timeout,
	}
}

func (t *CLITransport) Name() string { return "cli" }

func (t *CLITransport) QueryStat(ctx context.Context, pattern string, reset bool) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{"api", "statsquery", "--server=" + t.serverAddr, "-pattern", pattern}
	if reset {
		args = append(args, "--reset")
	}

	cmd := exec.CommandContext(ctx, t.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("statsquery failed: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	out := stdout.Bytes()
	if res, err := parseStatResponse(out); err == nil {
		return res, nil
	}

	// Not JSON: fall back to scraping "value: N" from the text output.
	if match := valuePattern.FindSubmatch(out); match != nil {
		return Result{Value: coerceValue(string(match[1])), Found: true}, nil
	}
	return Result{}, nil
}
