package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/config"
	"github.com/conclave-rtc/conclave/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before the
// daemon starts serving.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkListenAddr(logger, "listen", cfg.Listen); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkListenAddr(logger, "metrics_listen", cfg.MetricsListen); err != nil {
		return fmt.Errorf("metrics listen address check failed: %w", err)
	}

	if err := checkTempDir(logger, cfg.TempDir); err != nil {
		return fmt.Errorf("temp directory check failed: %w", err)
	}

	if err := checkBinaries(logger, cfg); err != nil {
		return fmt.Errorf("binary check failed: %w", err)
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, name, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s address %q: %w", name, addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid %s port %q in %q", name, port, addr)
	}
	logger.Info().Str("addr", addr).Str("which", name).Msg("✓ Listen address is valid")
	return nil
}

// checkTempDir ensures the scratch root for audio segments and transcripts
// exists and is writable.
func checkTempDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("failed to ensure temp directory %s: %w", path, err)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("temp directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("✓ Temp directory is writable")
	return nil
}

func checkBinaries(logger zerolog.Logger, cfg config.Config) error {
	workerBin := strings.TrimSpace(cfg.WorkerBin)
	if workerBin == "" {
		return fmt.Errorf("media worker binary not configured")
	}
	if _, err := exec.LookPath(workerBin); err != nil {
		return fmt.Errorf("media worker binary not found (%s): %w", workerBin, err)
	}

	segmenterBin := strings.TrimSpace(cfg.SegmenterBin)
	if segmenterBin == "" {
		segmenterBin = "ffmpeg"
	}
	if _, err := exec.LookPath(segmenterBin); err != nil {
		return fmt.Errorf("segmenter binary not found (%s): %w", segmenterBin, err)
	}

	// The transcriber is optional; without it side-tap audio is segmented but
	// never transcribed.
	if bin := strings.TrimSpace(cfg.TranscriberBin); bin != "" {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("transcriber binary not found (%s): %w", bin, err)
		}
	} else {
		logger.Warn().Msg("transcriber binary not configured; transcription disabled")
	}

	logger.Info().
		Str("worker", workerBin).
		Str("segmenter", segmenterBin).
		Msg("✓ Subprocess binaries available")
	return nil
}
