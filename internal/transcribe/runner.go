package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/conclave-rtc/conclave/internal/log"
	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/procgroup"
	"github.com/rs/zerolog"
)

// ErrTranscriptionFailed is returned when the worker ran to completion but
// reported success=false for the segment.
var ErrTranscriptionFailed = errors.New("transcriber reported failure")

// Runner execs the worker once per segment:
//
//	<bin> <wav> --model <m> --device <d> --compute-type <t> [--language <l>]
//
// Stdout must be a single JSON Result; stderr is drained to the debug log.
type Runner struct {
	logger zerolog.Logger
	opts   Options
}

func NewRunner(opts Options) *Runner {
	return &Runner{
		logger: log.WithComponent("transcribe"),
		opts:   opts,
	}
}

// Transcribe runs the worker on one WAV file. The process group is killed if
// the configured timeout (or ctx) expires first.
func (r *Runner) Transcribe(ctx context.Context, wavPath string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout())
	defer cancel()

	cmd := exec.Command(r.opts.Bin, r.opts.segmentArgs(wavPath)...) // #nosec G204 -- operator-configured binary
	procgroup.Set(cmd)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcriber stderr: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcriber start: %w", err)
	}

	var lastLine string
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			lastLine = line
			r.logger.Debug().
				Str("event", "transcribe.stderr").
				Str("line", line).
				Msg("transcriber output")
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, 2*time.Second)
		drained.Wait()
		metrics.TranscriptionDuration.Observe(time.Since(started).Seconds())
		return nil, fmt.Errorf("transcriber %s: %w", wavPath, ctx.Err())
	case waitErr = <-waitCh:
	}
	drained.Wait()
	metrics.TranscriptionDuration.Observe(time.Since(started).Seconds())

	if waitErr != nil {
		if lastLine != "" {
			return nil, fmt.Errorf("transcriber exited: %w: %s", waitErr, lastLine)
		}
		return nil, fmt.Errorf("transcriber exited: %w", waitErr)
	}
	return decodeResult(stdout.Bytes())
}

func decodeResult(raw []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(bytes.TrimSpace(raw), &res); err != nil {
		return nil, fmt.Errorf("transcriber output: %w", err)
	}
	if !res.Success {
		return nil, ErrTranscriptionFailed
	}
	return &res, nil
}
