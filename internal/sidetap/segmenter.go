package sidetap

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/conclave-rtc/conclave/internal/procgroup"
	"github.com/rs/zerolog"
)

// segmenter is one ffmpeg subprocess turning an RTP feed into fixed-length
// WAV segments plus a segment-list file appended as each segment closes.
type segmenter struct {
	cmd    *exec.Cmd
	waitCh chan error
}

// startSegmenter spawns:
//
//	<bin> -nostdin -protocol_whitelist file,udp,rtp -i <sdp>
//	      -ar 16000 -ac 1 -c:a pcm_s16le
//	      -f segment -segment_time <secs> -segment_list <list> <pattern>
func startSegmenter(logger zerolog.Logger, bin, sdpPath, listPath, wavPattern string, segmentSeconds int) (*segmenter, error) {
	args := []string{
		"-nostdin",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-segment_list", listPath,
		wavPattern,
	}
	cmd := exec.Command(bin, args...) // #nosec G204 -- operator-configured binary
	procgroup.Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("segmenter stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("segmenter start: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			logger.Debug().
				Str("event", "sidetap.segmenter_output").
				Str("line", line).
				Msg("segmenter stderr")
		}
	}()

	s := &segmenter{cmd: cmd, waitCh: make(chan error, 1)}
	go func() { s.waitCh <- cmd.Wait() }()
	return s, nil
}

// stop tears the process group down: SIGTERM, then SIGKILL after a short
// grace. Must be called at most once.
func (s *segmenter) stop() {
	_ = procgroup.Terminate(s.cmd, s.waitCh, 3*time.Second)
}
