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
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pool keeps N long-lived workers so the speech model is loaded once per
// worker instead of once per segment. Each worker is started as
//
//	<bin> --stdio --model <m> --device <d> --compute-type <t>
//
// and serves newline-delimited JSON: one {"id","audio_path","language"?}
// request per line on stdin, one {"id", ...Result} response per line on
// stdout. A worker handles one segment at a time; dead workers are respawned
// with backoff until the pool is closed.
type Pool struct {
	logger zerolog.Logger
	opts   Options
	size   int
	jobs   chan poolJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type poolJob struct {
	req   poolRequest
	reply chan poolReply
}

type poolRequest struct {
	ID        string `json:"id"`
	AudioPath string `json:"audio_path"`
	Language  string `json:"language,omitempty"`
}

type poolResponse struct {
	ID string `json:"id"`
	Result
}

type poolReply struct {
	res *Result
	err error
}

func NewPool(opts Options, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		logger: log.WithComponent("transcribe"),
		opts:   opts,
		size:   size,
		jobs:   make(chan poolJob),
	}
}

// Start launches the workers. They live until Close.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.runWorker(ctx, n)
		}(i)
	}
	p.logger.Info().
		Str("event", "transcribe.pool_started").
		Int("workers", p.size).
		Msg("transcriber pool started")
}

// Close terminates all workers and waits for them to exit.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Transcribe hands one WAV file to the next free worker.
func (p *Pool) Transcribe(ctx context.Context, wavPath string) (*Result, error) {
	job := poolJob{
		req: poolRequest{
			ID:        uuid.NewString(),
			AudioPath: wavPath,
			Language:  p.opts.Language,
		},
		reply: make(chan poolReply, 1),
	}
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-job.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) runWorker(ctx context.Context, n int) {
	backoff := 200 * time.Millisecond
	for ctx.Err() == nil {
		started := time.Now()
		err := p.serveOnce(ctx, n)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			backoff = 200 * time.Millisecond
		}
		p.logger.Warn().
			Err(err).
			Int("worker", n).
			Str("event", "transcribe.worker_respawn").
			Dur("backoff", backoff).
			Msg("pool worker exited, respawning")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

// serveOnce runs one worker subprocess until it dies or ctx is cancelled.
func (p *Pool) serveOnce(ctx context.Context, n int) error {
	args := []string{"--stdio", "--model", p.opts.Model, "--device", p.opts.Device, "--compute-type", p.opts.Compute}
	cmd := exec.Command(p.opts.Bin, args...) // #nosec G204 -- operator-configured binary
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("pool stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pool stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pool stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pool start: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			p.logger.Debug().
				Str("event", "transcribe.stderr").
				Int("worker", n).
				Str("line", line).
				Msg("transcriber output")
		}
	}()

	// waitCh feeds procgroup.Terminate; exited lets the idle loop below notice
	// a worker death between jobs without consuming that value.
	waitCh := make(chan error, 1)
	exited := make(chan struct{})
	var exitErr error
	go func() {
		err := cmd.Wait()
		exitErr = err
		waitCh <- err
		close(exited)
	}()
	stop := sync.OnceFunc(func() {
		_ = procgroup.Terminate(cmd, waitCh, 2*time.Second)
	})
	defer stop()

	// Unblock the response scan if the pool shuts down mid-segment.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	enc := json.NewEncoder(stdin)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			if exitErr != nil {
				return fmt.Errorf("pool worker exited: %w", exitErr)
			}
			return errors.New("pool worker exited")
		case job := <-p.jobs:
			res, err := p.roundTrip(enc, scanner, job.req, stop)
			job.reply <- poolReply{res: res, err: err}
			if err != nil && !errors.Is(err, ErrTranscriptionFailed) {
				return err
			}
		}
	}
}

// roundTrip writes one request and scans for its response. The worker is
// killed if the segment timeout expires, which surfaces here as a read error
// and gets the worker respawned.
func (p *Pool) roundTrip(enc *json.Encoder, scanner *bufio.Scanner, req poolRequest, kill func()) (*Result, error) {
	started := time.Now()
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("pool write: %w", err)
	}

	timer := time.AfterFunc(p.opts.timeout(), kill)
	defer timer.Stop()

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp poolResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("pool decode: %w", err)
		}
		if resp.ID != req.ID {
			return nil, fmt.Errorf("pool response id %q for request %q", resp.ID, req.ID)
		}
		metrics.TranscriptionDuration.Observe(time.Since(started).Seconds())
		if !resp.Success {
			return nil, ErrTranscriptionFailed
		}
		res := resp.Result
		return &res, nil
	}
	metrics.TranscriptionDuration.Observe(time.Since(started).Seconds())
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pool read: %w", err)
	}
	return nil, errors.New("pool worker closed stdout")
}
