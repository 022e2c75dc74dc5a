package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrToolNotFound is returned when an external binary cannot be located.
// It marks an environment problem rather than a bad input.
var ErrToolNotFound = errors.New("external tool not found")

// ErrToolTimeout is returned when a subprocess exceeds its time budget.
var ErrToolTimeout = errors.New("external tool timed out")

const maxStderrTail = 800

// runTool executes bin with args bounded by timeout and returns stdout.
// Missing binaries and timeouts are reported with the sentinels above.
func runTool(ctx context.Context, timeout time.Duration, bin string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren may hold the output pipes open after a kill.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", bin, ErrToolNotFound)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%s after %s: %w", bin, timeout, ErrToolTimeout)
	}
	return nil, fmt.Errorf("%s failed: %w: %s", bin, err, tail(stderr.String(), maxStderrTail))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// CheckTools verifies that every binary can be resolved and logs an error
// for each one that cannot. The joined error wraps ErrToolNotFound.
func CheckTools(bins ...string) error {
	var errs []error
	for _, bin := range bins {
		if bin == "" {
			continue
		}
		path, err := exec.LookPath(bin)
		if err != nil {
			log.Error().Str("component", "tools").Str("tool", bin).Err(err).
				Msg("External tool is not available; jobs that need it will fail or degrade")
			errs = append(errs, fmt.Errorf("%s: %w", bin, ErrToolNotFound))
			continue
		}
		log.Info().Str("component", "tools").Str("tool", bin).Str("path", path).Msg("External tool found")
	}
	return errors.Join(errs...)
}
