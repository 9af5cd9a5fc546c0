// Package run executes a long-running command under a pseudo-terminal and
// reports it to the backend host as a cell execution, so the host's
// notification rules apply to shell jobs the same way they apply to
// notebook cells.
//
// The runner is an ordinary RPC client: it calls cell-started before the
// command begins and cell-finished with the outcome once it exits. SIGINT and
// SIGTERM received while the command runs are forwarded to its process group
// and the execution is reported as cancelled.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/rpc"
	"github.com/lmkapp/lmk/internal/state"
	"golang.org/x/sys/unix"
)

// finishTimeout bounds the cell-finished report, which is sent even when
// the caller's context is already cancelled.
const finishTimeout = 10 * time.Second

// Reporter issues calls to the backend. *rpc.Correlator implements it.
type Reporter interface {
	Call(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

// Config describes one monitored command.
type Config struct {
	// Command and Args are what to execute. Command is looked up in PATH.
	Command string
	Args    []string

	// Dir and Env follow exec.Cmd. Nil Env inherits the environment.
	Dir string
	Env []string

	// Reporter receives cell-started and cell-finished. Nil runs the
	// command unreported.
	Reporter Reporter

	// Output receives the command's terminal output. Nil discards it.
	Output io.Writer

	// Size is the initial terminal size. Nil leaves the pty default.
	Size *pty.Winsize

	// TailLines is how much output to keep for the error summary.
	TailLines int

	// Signals are forwarded to the command. Nil selects SIGINT and SIGTERM.
	Signals []os.Signal
}

// Result describes a finished command.
type Result struct {
	// ExecutionNum is the number the backend assigned, or 0 if unreported.
	ExecutionNum int

	// State is one of state.CellSuccess, state.CellError, state.CellCancelled.
	State string

	// ExitCode is the process exit status; 128+n for death by signal n.
	ExitCode int

	// Error is the failure summary sent with cell-finished.
	Error string

	// Tail is the last lines of output.
	Tail []string
}

// Run executes cfg.Command and blocks until it exits. Cancelling ctx sends
// SIGTERM to the command; the outcome is still reported.
//
// The returned error is non-nil only when the command could not be started.
// A command that runs and fails yields a Result with State cell error.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("run: command is required")
	}
	signals := cfg.Signals
	if signals == nil {
		signals = []os.Signal{unix.SIGINT, unix.SIGTERM}
	}
	output := cfg.Output
	if output == nil {
		output = io.Discard
	}

	res := &Result{}
	reporting := cfg.Reporter != nil
	if reporting {
		num, err := reportStarted(ctx, cfg.Reporter, CommandLine(cfg.Command, cfg.Args))
		if err != nil {
			log.Printf("run: cell-started failed, running unreported: %v", err)
			reporting = false
		}
		res.ExecutionNum = num
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, cfg.Size)
	if err != nil {
		res.State = state.CellError
		res.ExitCode = -1
		res.Error = fmt.Sprintf("failed to start %s: %v", cfg.Command, err)
		if reporting {
			reportFinished(ctx, cfg.Reporter, res)
		}
		return res, apperrors.Wrap(apperrors.CodeRunSpawnFailed, "failed to start PTY", err)
	}

	tail := newTailBuffer(cfg.TailLines)
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		copyOutput(io.MultiWriter(output, tail), ptmx)
		tail.flush()
	}()

	var cancelled atomic.Bool
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, signals...)
	stopForward := make(chan struct{})
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		ctxDone := ctx.Done()
		for {
			select {
			case sig := <-sigCh:
				cancelled.Store(true)
				forward(cmd.Process.Pid, sig)
			case <-ctxDone:
				cancelled.Store(true)
				forward(cmd.Process.Pid, unix.SIGTERM)
				ctxDone = nil
			case <-stopForward:
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	signal.Stop(sigCh)
	close(stopForward)
	<-forwardDone

	<-outputDone
	ptmx.Close()

	res.Tail = tail.Lines()
	classify(res, waitErr, cancelled.Load(), tail.lastLine())
	log.Printf("run: %s finished: state=%s exit=%d", cfg.Command, res.State, res.ExitCode)

	if reporting {
		reportFinished(ctx, cfg.Reporter, res)
	}
	return res, nil
}

// copyOutput drains the pty. Linux reports EIO once the child side closes;
// that is the normal end of output.
func copyOutput(dst io.Writer, ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				log.Printf("run: output write failed: %v", werr)
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, syscall.EIO) {
				log.Printf("run: pty read error: %v", err)
			}
			return
		}
	}
}

// forward delivers sig to the child's process group. pty.Start makes the
// child a session leader, so its pid is also the group id.
func forward(pid int, sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	if err := unix.Kill(-pid, s); err != nil {
		if err := unix.Kill(pid, s); err != nil && err != unix.ESRCH {
			log.Printf("run: forwarding %v failed: %v", sig, err)
		}
	}
}

func classify(res *Result, waitErr error, cancelled bool, last string) {
	if waitErr == nil {
		res.State = state.CellSuccess
		return
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		res.State = state.CellError
		res.ExitCode = -1
		res.Error = waitErr.Error()
		return
	}

	res.ExitCode = exitErr.ExitCode()
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.ExitCode = 128 + int(ws.Signal())
	}

	if cancelled {
		res.State = state.CellCancelled
		return
	}
	res.State = state.CellError
	res.Error = fmt.Sprintf("exit status %d", res.ExitCode)
	if last != "" {
		res.Error += ": " + last
	}
}

func reportStarted(ctx context.Context, r Reporter, text string) (int, error) {
	raw, err := r.Call(ctx, rpc.MethodCellStarted, map[string]any{"text": text})
	if err != nil {
		return 0, err
	}
	var out struct {
		ExecutionNum int `json:"executionNum"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeApplicationError, "bad cell-started result", err)
	}
	return out.ExecutionNum, nil
}

func reportFinished(ctx context.Context, r Reporter, res *Result) {
	payload := map[string]any{"state": res.State}
	if res.Error != "" {
		payload["error"] = res.Error
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if _, err := r.Call(ctx, rpc.MethodCellFinished, payload); err != nil {
		log.Printf("run: cell-finished failed: %v", err)
	}
}

// CommandLine renders command and args as the cell text, quoting arguments
// that would not survive a shell round trip.
func CommandLine(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{command}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// TerminalSize reports f's window size, or nil when f is not a terminal.
func TerminalSize(f *os.File) *pty.Winsize {
	ws, err := unix.IoctlGetWinsize(int(f.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return nil
	}
	return &pty.Winsize{Rows: ws.Row, Cols: ws.Col, X: ws.Xpixel, Y: ws.Ypixel}
}
