// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/procgroup"
	"github.com/rs/zerolog"
)

const (
	stderrLines      = 64
	stderrTailInErr  = 5
	chunkBufferDepth = 16
)

// FFmpegOptions configures FFmpegSource.
type FFmpegOptions struct {
	Bin           string
	RTSPTransport string
	Container     string
	ReadSize      int
	OpenTimeout   time.Duration
	ReadTimeout   time.Duration
	KillGrace     time.Duration

	// Args overrides BuildArgs. Used by tests to substitute a shell script.
	Args func(rawURL string) []string
}

// FFmpegSource captures sources with an ffmpeg subprocess reading stdout.
type FFmpegSource struct {
	opts   FFmpegOptions
	logger zerolog.Logger
}

// NewFFmpegSource returns a Source backed by ffmpeg. Zero options get defaults.
func NewFFmpegSource(opts FFmpegOptions) *FFmpegSource {
	if opts.Bin == "" {
		opts.Bin = "ffmpeg"
	}
	if opts.Container == "" {
		opts.Container = ContainerMPEGTS
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = 1 << 20
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 15 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Args == nil {
		container, transport := opts.Container, opts.RTSPTransport
		opts.Args = func(rawURL string) []string { return BuildArgs(rawURL, container, transport) }
	}
	return &FFmpegSource{opts: opts, logger: log.WithComponent("ingest")}
}

// Open starts the capture process and waits for its first bytes.
func (s *FFmpegSource) Open(ctx context.Context, rawURL string) (Session, error) {
	masked := log.MaskURL(rawURL)
	logger := log.WithContext(ctx, s.logger).With().Str(log.FieldURL, masked).Logger()

	cmd := exec.Command(s.opts.Bin, s.opts.Args(rawURL)...) // #nosec G204 -- binary and args come from operator config
	procgroup.Set(cmd)

	ring := NewLineRing(stderrLines)
	cmd.Stderr = ring
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ConnectionError{URL: masked, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ConnectionError{URL: masked, Err: fmt.Errorf("start %s: %w", s.opts.Bin, err)}
	}

	align := 1
	if s.opts.Container == ContainerMPEGTS {
		align = mpegtsPacket
	}
	sess := &ffmpegSession{
		cmd:         cmd,
		ring:        ring,
		url:         masked,
		readTimeout: s.opts.ReadTimeout,
		killGrace:   s.opts.KillGrace,
		chunks:      make(chan Chunk, chunkBufferDepth),
		closing:     make(chan struct{}),
		exited:      make(chan struct{}),
		waitCh:      make(chan error, 1),
		logger:      logger,
	}
	readerDone := make(chan struct{})
	go sess.readLoop(stdout, s.opts.ReadSize, align, readerDone)
	go sess.waitLoop(readerDone)

	logger.Debug().Str(log.FieldEvent, "ingest.process_started").Int("pid", cmd.Process.Pid).Msg("capture process started")

	timer := time.NewTimer(s.opts.OpenTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-sess.chunks:
		if ok {
			sess.first = &c
			return sess, nil
		}
		// Exited before producing data. Wait for stderr to be fully captured.
		select {
		case <-sess.exited:
		case <-time.After(s.opts.KillGrace):
		}
		lines := ring.LastN(stderrTailInErr)
		_ = sess.Close()
		return nil, &ConnectionError{
			URL:    masked,
			Auth:   looksLikeAuthFailure(lines),
			Err:    fmt.Errorf("process exited before producing data: %w", sess.exitErr()),
			Stderr: lines,
		}
	case <-timer.C:
		_ = sess.Close()
		lines := ring.LastN(stderrTailInErr)
		return nil, &ConnectionError{
			URL:    masked,
			Auth:   looksLikeAuthFailure(lines),
			Err:    fmt.Errorf("no data within %s", s.opts.OpenTimeout),
			Stderr: lines,
		}
	case <-ctx.Done():
		_ = sess.Close()
		return nil, ctx.Err()
	}
}

type ffmpegSession struct {
	cmd         *exec.Cmd
	ring        *LineRing
	url         string
	readTimeout time.Duration
	killGrace   time.Duration
	logger      zerolog.Logger

	first   *Chunk
	chunks  chan Chunk
	closing chan struct{}
	exited  chan struct{}
	waitCh  chan error

	mu      sync.Mutex
	tail    []Chunk
	readErr error
	waitErr error

	closeOnce sync.Once
}

func (s *ffmpegSession) readLoop(r io.Reader, size, align int, done chan<- struct{}) {
	defer close(done)
	defer close(s.chunks)

	buf := make([]byte, size)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			now := time.Now()
			data := make([]byte, 0, len(carry)+n)
			data = append(data, carry...)
			data = append(data, buf[:n]...)
			cut := len(data) - len(data)%align
			carry = append(carry[:0], data[cut:]...)
			if cut > 0 {
				s.deliver(Chunk{Data: data[:cut:cut], At: now})
			}
		}
		if err != nil {
			if len(carry) > 0 {
				s.deliver(Chunk{Data: carry, At: time.Now()})
			}
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// deliver hands a chunk to Read. Once Close has been called a chunk that
// cannot be sent is parked in tail so the reader never blocks on a consumer
// that has gone away. Parking is sticky: Read serves tail only after chunks is
// closed, so every later chunk must follow into tail to keep byte order.
// readLoop is the only caller.
func (s *ffmpegSession) deliver(c Chunk) {
	if s.park(c, false) {
		return
	}
	select {
	case s.chunks <- c:
		return
	default:
	}
	select {
	case s.chunks <- c:
	case <-s.closing:
		s.park(c, true)
	}
}

// park appends c to tail when force is set or tail already holds chunks.
func (s *ffmpegSession) park(c Chunk, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force && len(s.tail) == 0 {
		return false
	}
	s.tail = append(s.tail, c)
	return true
}

func (s *ffmpegSession) waitLoop(readerDone <-chan struct{}) {
	<-readerDone
	err := s.cmd.Wait()
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()
	close(s.exited)
	s.waitCh <- err
}

func (s *ffmpegSession) exitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.readErr != nil:
		return s.readErr
	case s.waitErr != nil:
		return s.waitErr
	default:
		return errors.New("output closed")
	}
}

func (s *ffmpegSession) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *ffmpegSession) popTail() (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tail) == 0 {
		return Chunk{}, false
	}
	c := s.tail[0]
	s.tail = s.tail[1:]
	return c, true
}

func (s *ffmpegSession) Read(ctx context.Context) (Chunk, error) {
	if s.first != nil {
		c := *s.first
		s.first = nil
		return c, nil
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-s.chunks:
		if ok {
			return c, nil
		}
		if c, ok := s.popTail(); ok {
			return c, nil
		}
		if s.isClosing() {
			return Chunk{}, io.EOF
		}
		// Give the process a moment to report its exit status.
		select {
		case <-s.exited:
		case <-time.After(s.killGrace):
		}
		return Chunk{}, fmt.Errorf("%w: %v (stderr: %s)", ErrStreamInterrupted, s.exitErr(),
			strings.Join(s.ring.LastN(stderrTailInErr), " | "))
	case <-timer.C:
		if s.isClosing() {
			return Chunk{}, io.EOF
		}
		return Chunk{}, fmt.Errorf("%w: no data for %s", ErrStreamInterrupted, s.readTimeout)
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Close terminates the capture process group. Buffered data stays readable.
func (s *ffmpegSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		err := procgroup.Terminate(s.cmd, s.waitCh, s.killGrace)
		s.logger.Debug().
			Err(err).
			Str(log.FieldEvent, "ingest.process_stopped").
			Msg("capture process stopped")
	})
	return nil
}
