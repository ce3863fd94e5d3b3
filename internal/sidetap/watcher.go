package sidetap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/fsnotify/fsnotify"
)

var segmentIndexRe = regexp.MustCompile(`_segment_(\d+)\.wav$`)

// watchLoop turns segment-list writes into transcription work. One loop per
// room directory; it exits when the room tap is closed.
func (m *Manager) watchLoop(rt *roomTap) {
	for {
		select {
		case <-rt.done:
			return
		case event, ok := <-rt.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			s := rt.sessionForList(filepath.Clean(event.Name))
			if s == nil {
				continue
			}
			m.scanSegmentList(s)
		case err, ok := <-rt.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error().
				Err(err).
				Str("event", "sidetap.watch_error").
				Str("room_id", rt.roomID).
				Msg("segment watcher error")
		}
	}
}

// scanSegmentList re-reads the whole list file and dispatches every index
// that is neither processed nor in flight. Re-reading on every event makes
// missed notifications harmless.
func (m *Manager) scanSegmentList(s *session) {
	raw, err := os.ReadFile(s.listPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn().
				Err(err).
				Str("event", "sidetap.list_read_failed").
				Str("path", s.listPath).
				Msg("could not read segment list")
		}
		return
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		match := segmentIndexRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		idx, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		wav := filepath.Join(filepath.Dir(s.listPath), filepath.Base(line))

		s.mu.Lock()
		if idx <= s.lastProcessed {
			s.mu.Unlock()
			continue
		}
		if _, busy := s.inFlight[idx]; busy {
			s.mu.Unlock()
			continue
		}
		s.inFlight[idx] = struct{}{}
		s.mu.Unlock()

		go m.processSegment(s, idx, wav)
	}
}

// processSegment transcribes one WAV file. Each index runs at most once:
// success, failure and timeout all advance lastProcessed, only the result
// handling differs. Completion order is not guaranteed, so the advance is a
// max, never an overwrite.
func (m *Manager) processSegment(s *session, idx int, wavPath string) {
	res, err := m.transcriber.Transcribe(s.ctx, wavPath)

	s.mu.Lock()
	delete(s.inFlight, idx)
	if idx > s.lastProcessed {
		s.lastProcessed = idx
	}
	s.mu.Unlock()

	if err != nil {
		outcome := "failed"
		switch {
		case s.ctx.Err() != nil:
			outcome = "skipped"
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		}
		metrics.IncSideTapSegment(outcome)
		if outcome == "skipped" {
			m.logger.Debug().
				Str("event", "sidetap.segment_skipped").
				Str("room_id", s.roomID).
				Int("segment", idx).
				Msg("segment dropped, session ended")
			return
		}
		m.logger.Warn().
			Err(err).
			Str("event", "sidetap.segment_failed").
			Str("room_id", s.roomID).
			Str("participant_id", s.participantID).
			Int("segment", idx).
			Msg("segment dropped")
		return
	}

	// Silence comes back as success with empty text; nothing to store.
	if strings.TrimSpace(res.Text) == "" {
		metrics.IncSideTapSegment("skipped")
		return
	}

	startTime := s.startedAt.Add(time.Duration(idx*m.opts.SegmentSeconds) * time.Second)
	m.store.Append(s.roomID, s.participantID, StoredSegment{
		Index:      idx,
		Text:       res.Text,
		Language:   res.Language,
		Confidence: res.Confidence,
		StartTime:  startTime,
		Duration:   res.Duration,
	})
	m.hub.ToRoom(s.roomID, "transcription", TranscriptionPayload{
		RoomID:        s.roomID,
		ParticipantID: s.participantID,
		SegmentIndex:  idx,
		Text:          res.Text,
		Language:      res.Language,
		StartTime:     startTime,
		Duration:      res.Duration,
	})
	metrics.IncSideTapSegment("transcribed")
	m.logger.Debug().
		Str("event", "sidetap.segment_transcribed").
		Str("room_id", s.roomID).
		Str("participant_id", s.participantID).
		Int("segment", idx).
		Str("language", res.Language).
		Msg("segment transcribed")
}
