package rtc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conclave-rtc/conclave/internal/procgroup"
)

// defaultWorkerVersion is announced to the worker via MEDIASOUP_VERSION.
const defaultWorkerVersion = "3.13.0"

// Settings configure one worker subprocess.
type Settings struct {
	Bin        string
	LogLevel   string // debug | warn | error | none
	LogTags    []string
	RTCMinPort int
	RTCMaxPort int
	Version    string
}

func (s *Settings) withDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "error"
	}
	if s.Version == "" {
		s.Version = defaultWorkerVersion
	}
}

func (s Settings) args() []string {
	args := []string{"--logLevel=" + s.LogLevel}
	for _, tag := range s.LogTags {
		args = append(args, "--logTags="+tag)
	}
	args = append(args,
		fmt.Sprintf("--rtcMinPort=%d", s.RTCMinPort),
		fmt.Sprintf("--rtcMaxPort=%d", s.RTCMaxPort),
	)
	return args
}

type mediaWorker struct {
	logger  zerolog.Logger
	child   *exec.Cmd
	pid     int
	channel *channel

	started chan struct{} // closed on the worker's 'running' notification
	dead    chan struct{} // closed once the subprocess has exited
	rawExit error         // cmd.Wait result, valid after dead is closed
	exit    *ExitError    // decoded, valid after dead is closed

	mu          sync.Mutex
	closed      bool
	diedEmitted bool
	died        []func(error)
	routers     map[string]*mediaRouter
}

// Spawn starts one media worker subprocess and blocks until it reports
// 'running' (or dies, or ctx expires).
func Spawn(ctx context.Context, settings Settings, logger zerolog.Logger) (Worker, error) {
	settings.withDefaults()

	// Two unix socketpairs become the worker's fd 3 (requests in) and
	// fd 4 (responses/notifications out).
	reqPair, err := socketPair()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	respPair, err := socketPair()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	reqConn, err := fileToConn(reqPair[0])
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	respConn, err := fileToConn(respPair[0])
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	child := exec.Command(settings.Bin, settings.args()...) // #nosec G204 -- binary comes from operator config
	child.ExtraFiles = []*os.File{reqPair[1], respPair[1]}
	child.Env = []string{"MEDIASOUP_VERSION=" + settings.Version}
	procgroup.Set(child)

	stderr, err := child.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker %s: %w", settings.Bin, err)
	}
	// The child holds its own copies now.
	_ = reqPair[1].Close()
	_ = respPair[1].Close()

	pid := child.Process.Pid
	workerLogger := logger.With().Int("worker_pid", pid).Logger()

	w := &mediaWorker{
		logger:  workerLogger,
		child:   child,
		pid:     pid,
		channel: newChannel(reqConn, respConn, workerLogger),
		started: make(chan struct{}),
		dead:    make(chan struct{}),
		routers: make(map[string]*mediaRouter),
	}

	go scanLines(stderr, func(line string) {
		workerLogger.Error().Str("event", "rtc.worker_stderr").Msg(line)
	})
	go scanLines(stdout, func(line string) {
		workerLogger.Debug().Str("event", "rtc.worker_stdout").Msg(line)
	})

	var startOnce sync.Once
	w.channel.subscribe(strconv.Itoa(pid), func(event string, _ json.RawMessage) {
		if event == "running" {
			startOnce.Do(func() { close(w.started) })
		}
	})

	go func() {
		w.rawExit = child.Wait()
		w.exit = decodeExit(pid, w.rawExit)
		close(w.dead)
	}()
	go w.supervise()

	select {
	case <-w.started:
		workerLogger.Info().
			Str("event", "rtc.worker_running").
			Int("rtc_min_port", settings.RTCMinPort).
			Int("rtc_max_port", settings.RTCMaxPort).
			Msg("media worker running")
		return w, nil
	case <-w.dead:
		if w.exit != nil && w.exit.Code == 42 {
			return nil, fmt.Errorf("worker rejected settings: %w", w.exit)
		}
		return nil, fmt.Errorf("worker failed to start: %w", w.exit)
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}
}

// supervise waits for the subprocess to exit and fans out died handlers
// unless the exit was requested via Close.
func (w *mediaWorker) supervise() {
	<-w.dead
	w.channel.close()

	w.mu.Lock()
	deliberate := w.closed
	w.closed = true
	handlers := w.died
	w.died = nil
	routers := make([]*mediaRouter, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*mediaRouter)
	if !deliberate {
		w.diedEmitted = true
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.workerClosed()
	}

	if deliberate {
		w.logger.Debug().Str("event", "rtc.worker_stopped").Msg("worker exited after close")
		return
	}

	w.logger.Error().
		Str("event", "rtc.worker_died").
		Int("code", w.exit.Code).
		Str("signal", w.exit.Signal).
		Msg("media worker died unexpectedly")
	for _, fn := range handlers {
		fn(w.exit)
	}
}

func (w *mediaWorker) Pid() int { return w.pid }

func (w *mediaWorker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// OnDied registers a death handler. If the worker is already dead the
// handler fires immediately on its own goroutine.
func (w *mediaWorker) OnDied(fn func(error)) {
	w.mu.Lock()
	if w.diedEmitted {
		exit := w.exit
		w.mu.Unlock()
		go fn(exit)
		return
	}
	w.died = append(w.died, fn)
	w.mu.Unlock()
}

func (w *mediaWorker) CreateRouter(ctx context.Context) (Router, error) {
	routerID := uuid.NewString()
	internal := map[string]string{"routerId": routerID}

	data, err := w.channel.request(ctx, "worker.createRouter", internal, nil)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	r := newRouter(routerID, w.channel, extractRtpCapabilities(data), w.logger)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		r.Close()
		return nil, ErrClosed
	}
	w.routers[routerID] = r
	w.mu.Unlock()

	r.onClose(func() {
		w.mu.Lock()
		delete(w.routers, routerID)
		w.mu.Unlock()
	})
	return r, nil
}

func (w *mediaWorker) ResourceUsage(ctx context.Context) (ResourceUsage, error) {
	var usage ResourceUsage
	data, err := w.channel.request(ctx, "worker.getResourceUsage", nil, nil)
	if err != nil {
		return usage, fmt.Errorf("resource usage: %w", err)
	}
	if err := json.Unmarshal(data, &usage); err != nil {
		return usage, fmt.Errorf("resource usage: %w", err)
	}
	return usage, nil
}

// Close stops the subprocess: channel down, SIGTERM to the group, SIGKILL
// after a grace window. Idempotent.
func (w *mediaWorker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.logger.Debug().Str("event", "rtc.worker_close").Msg("stopping media worker")
	w.channel.close()

	relay := make(chan error, 1)
	go func() {
		<-w.dead
		relay <- w.rawExit
	}()
	_ = procgroup.Terminate(w.child, relay, 3*time.Second)
}

func decodeExit(pid int, err error) *ExitError {
	exit := &ExitError{Pid: pid}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if status, ok := ee.Sys().(syscall.WaitStatus); ok {
			exit.Code = status.ExitStatus()
			if status.Signaled() {
				exit.Signal = status.Signal().String()
			}
		}
	}
	return exit
}

func socketPair() ([2]*os.File, error) {
	var files [2]*os.File
	fds, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM, 0)
	if err != nil {
		return files, fmt.Errorf("socketpair: %w", err)
	}
	files[0] = os.NewFile(uintptr(fds[0]), "")
	files[1] = os.NewFile(uintptr(fds[1]), "")
	return files, nil
}

func fileToConn(file *os.File) (net.Conn, error) {
	defer file.Close()
	return net.FileConn(file)
}

func scanLines(r io.Reader, fn func(string)) {
	br := bufio.NewReader(r)
	for {
		line, _, err := br.ReadLine()
		if err != nil {
			return
		}
		fn(string(line))
	}
}
