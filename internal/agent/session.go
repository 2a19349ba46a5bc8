// Package agent supervises one external coding-agent child process per spec
// §4.3: launch, stream stdout/stderr line by line, enforce a hard wall-clock
// timeout and a silence timeout, and support graceful-then-force cancel.
// Generalized from the teacher's synchronous, buffered agents/spawner.go
// into a streaming supervisor using pipes and scanners.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// StreamKind tags which pipe a line came from.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
)

// Line is one record of the stream contract in spec §4.3.
type Line struct {
	Text      string
	Stream    StreamKind
	Timestamp time.Time
}

// Terminal is the final record of a session's stream, carrying the same
// outcome returned by the future associated with start (spec §4.3).
type Terminal struct {
	Outcome  domain.RunOutcome
	ExitCode int
	Err      error
}

// SessionState is the supervisor's lifecycle state (spec §4.3 status contract).
type SessionState string

const (
	StateStarting    SessionState = "starting"
	StateRunning     SessionState = "running"
	StateTerminating SessionState = "terminating"
	StateTerminated  SessionState = "terminated"
)

// Invocation is the {binary, args, env} template for one role, already
// rendered against PromptData.
type Invocation struct {
	Binary string
	Args   []string
	Env    []string
}

// Options configures a session's timeouts (spec §4.3, defaults per role from
// configuration).
type Options struct {
	Role            domain.Role
	WorkDir         string
	Prompt          string
	Invocation      Invocation
	WallClock       time.Duration
	SilenceTimeout  time.Duration
	GracePeriod     time.Duration
	OutputDir       string // per-project output-buffer directory
	OutputMaxBytes  int64
}

// Session supervises one child process. Lines arrives in order; Done
// resolves to the terminal outcome. Session owns its process, pipes, and
// output file for its lifetime and releases all three on every exit path.
type Session struct {
	ID      string
	Role    domain.Role
	Lines   <-chan Line
	Done    <-chan Terminal

	mu        sync.Mutex
	state     SessionState
	startedAt time.Time
	lastLine  time.Time

	cancelCh chan string
	cmd      *exec.Cmd
}

// Status is the point-in-time snapshot returned by status(session_id).
type Status struct {
	State     SessionState
	StartedAt time.Time
	LastLine  time.Time
}

// Start launches the configured external agent binary with opts.WorkDir as
// its working directory and opts.Prompt on stdin, per spec §4.3.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.WallClock <= 0 {
		opts.WallClock = 30 * time.Minute
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = 5 * time.Minute
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}

	id := uuid.NewString()
	lines := make(chan Line, 64)
	done := make(chan Terminal, 1)

	var outFile *os.File
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		f, err := os.Create(filepath.Join(opts.OutputDir, id+".log"))
		if err != nil {
			return nil, fmt.Errorf("create output file: %w", err)
		}
		outFile = f
	}

	cmd := exec.CommandContext(ctx, opts.Invocation.Binary, opts.Invocation.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Invocation.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeIfNotNil(outFile)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeIfNotNil(outFile)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeIfNotNil(outFile)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	sess := &Session{
		ID:        id,
		Role:      opts.Role,
		Lines:     lines,
		Done:      done,
		state:     StateStarting,
		startedAt: time.Now(),
		cancelCh:  make(chan string, 1),
		cmd:       cmd,
	}

	if err := cmd.Start(); err != nil {
		closeIfNotNil(outFile)
		done <- Terminal{Outcome: domain.RunError, Err: fmt.Errorf("spawn agent: %w", err)}
		close(done)
		close(lines)
		sess.setState(StateTerminated)
		return sess, nil
	}
	sess.setState(StateRunning)

	go func() {
		defer stdin.Close()
		io.WriteString(stdin, opts.Prompt)
	}()

	var wg sync.WaitGroup
	rawLines := make(chan Line, 64)
	wg.Add(2)
	go pumpLines(&wg, stdout, StreamStdout, rawLines)
	go pumpLines(&wg, stderr, StreamStderr, rawLines)

	go sess.supervise(ctx, opts, rawLines, lines, done, outFile, &wg)

	return sess, nil
}

func pumpLines(wg *sync.WaitGroup, r io.Reader, kind StreamKind, out chan<- Line) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- Line{Text: scanner.Text(), Stream: kind, Timestamp: time.Now()}
	}
}

func (s *Session) supervise(ctx context.Context, opts Options, rawLines <-chan Line, lines chan<- Line, done chan<- Terminal, outFile *os.File, wg *sync.WaitGroup) {
	defer close(lines)
	defer close(done)
	defer closeIfNotNil(outFile)

	wallTimer := time.NewTimer(opts.WallClock)
	defer wallTimer.Stop()
	silenceTimer := time.NewTimer(opts.SilenceTimeout)
	defer silenceTimer.Stop()

	pumpDone := make(chan struct{})
	go func() { wg.Wait(); close(pumpDone) }()

	var written int64
	reason := ""

	for {
		select {
		case line, ok := <-rawLines:
			if !ok {
				rawLines = nil
				continue
			}
			s.mu.Lock()
			s.lastLine = line.Timestamp
			s.mu.Unlock()
			if outFile != nil && written < opts.OutputMaxBytes {
				n, _ := outFile.WriteString(line.Text + "\n")
				written += int64(n)
			}
			select {
			case lines <- line:
			default:
			}
			if !silenceTimer.Stop() {
				select {
				case <-silenceTimer.C:
				default:
				}
			}
			silenceTimer.Reset(opts.SilenceTimeout)

		case <-pumpDone:
			s.setState(StateTerminating)
			waitErr := s.cmd.Wait()
			outcome, exitCode := interpretExit(waitErr, reason)
			done <- Terminal{Outcome: outcome, ExitCode: exitCode, Err: waitErrIfUnexpected(waitErr, reason)}
			s.setState(StateTerminated)
			return

		case reasonIn := <-s.cancelCh:
			reason = reasonIn
			s.gracefulThenForceKill(opts.GracePeriod)

		case <-wallTimer.C:
			reason = "wall_clock_timeout"
			s.gracefulThenForceKill(opts.GracePeriod)

		case <-silenceTimer.C:
			reason = "silence_timeout"
			s.gracefulThenForceKill(opts.GracePeriod)

		case <-ctx.Done():
			reason = "context_cancelled"
			s.gracefulThenForceKill(opts.GracePeriod)
		}
	}
}

func (s *Session) gracefulThenForceKill(grace time.Duration) {
	s.setState(StateTerminating)
	if s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(os.Interrupt)
	go func() {
		time.Sleep(grace)
		if s.cmd.ProcessState == nil {
			_ = s.cmd.Process.Kill()
		}
	}()
}

func interpretExit(waitErr error, reason string) (domain.RunOutcome, int) {
	if reason == "wall_clock_timeout" || reason == "silence_timeout" {
		return domain.RunTimeout, exitCodeOf(waitErr)
	}
	if reason == "context_cancelled" {
		return domain.RunCancelled, exitCodeOf(waitErr)
	}
	if reason != "" {
		return domain.RunCancelled, exitCodeOf(waitErr)
	}
	if waitErr == nil {
		return domain.RunSuccess, 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return domain.RunFailed, exitErr.ExitCode()
	}
	return domain.RunError, -1
}

func waitErrIfUnexpected(waitErr error, reason string) error {
	if reason != "" {
		return nil
	}
	if _, ok := waitErr.(*exec.ExitError); ok {
		return nil
	}
	return waitErr
}

func exitCodeOf(waitErr error) int {
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func closeIfNotNil(f *os.File) {
	if f != nil {
		f.Close()
	}
}

// Cancel requests graceful-then-force termination. Idempotent: a second call
// after the session has already terminated is a no-op.
func (s *Session) Cancel(reason string) {
	select {
	case s.cancelCh <- reason:
	default:
	}
}

// Status returns the session's current lifecycle snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, StartedAt: s.startedAt, LastLine: s.lastLine}
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
