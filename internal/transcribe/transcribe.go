// Package transcribe invokes the external speech-to-text worker and decodes
// its JSON output. Two modes share the same contract: a per-segment Runner
// that execs the worker once per WAV file, and a long-lived Pool that keeps
// workers reading newline-delimited requests on stdin to amortize model
// loading.
package transcribe

import (
	"time"
)

// Segment is one timed slice of the transcription.
type Segment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// Result is the worker's output for one WAV file.
type Result struct {
	Success             bool      `json:"success"`
	Text                string    `json:"text"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	Duration            float64   `json:"duration"`
	Confidence          float64   `json:"confidence"`
	Segments            []Segment `json:"segments"`
}

// Options configures the worker invocation.
type Options struct {
	// Bin is the worker executable.
	Bin string
	// Model, Device and Compute select the speech model
	// (e.g. "base", "cpu", "int8").
	Model   string
	Device  string
	Compute string
	// Language forces a source language; empty lets the worker detect it.
	Language string
	// Timeout caps one segment end to end. Defaults to 60s. On expiry the
	// worker process group is terminated and the segment is dropped.
	Timeout time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 60 * time.Second
	}
	return o.Timeout
}

func (o Options) segmentArgs(wavPath string) []string {
	args := []string{wavPath, "--model", o.Model, "--device", o.Device, "--compute-type", o.Compute}
	if o.Language != "" {
		args = append(args, "--language", o.Language)
	}
	return args
}
