// Package keepawake holds a sleep inhibitor for the lifetime of a monitored
// run, so a laptop does not suspend halfway through a long job.
//
// The inhibitor is an external process bound to the caller's PID where the
// OS allows it: caffeinate on macOS, systemd-inhibit on Linux.
package keepawake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/lmkapp/lmk/internal/errors"
)

// Options configures Acquire.
type Options struct {
	// PID is the process the inhibitor follows. Defaults to os.Getpid().
	PID int
	// Why is shown by tools that list active inhibitors.
	Why string
	// GOOS overrides runtime.GOOS.
	GOOS string
	// Command overrides exec.Command.
	Command func(name string, args ...string) *exec.Cmd
}

// Command returns the inhibitor command line for goos, or false if the
// platform has none.
func Command(goos string, pid int, why string) ([]string, bool) {
	switch goos {
	case "darwin":
		// Idle-only; caffeinate exits on its own when pid does.
		return []string{"caffeinate", "-i", "-w", strconv.Itoa(pid)}, true
	case "linux":
		return []string{
			"systemd-inhibit",
			"--what=idle:sleep",
			"--who=lmk",
			"--why=" + why,
			"--mode=block",
			"tail", "--pid=" + strconv.Itoa(pid), "-f", "/dev/null",
		}, true
	default:
		return nil, false
	}
}

// Inhibitor is a running sleep inhibitor.
type Inhibitor struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	err      error
	released bool
	once     sync.Once
}

// Acquire starts the platform inhibitor.
func Acquire(opts Options) (*Inhibitor, error) {
	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	why := opts.Why
	if why == "" {
		why = "lmk is monitoring a command"
	}
	execCmd := opts.Command
	if execCmd == nil {
		execCmd = exec.Command
	}

	argv, ok := Command(goos, pid, why)
	if !ok {
		return nil, apperrors.New(apperrors.CodeKeepAwakeUnsupported, fmt.Sprintf("keep-awake is unsupported on %s", goos))
	}

	cmd := execCmd(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		var ex *exec.Error
		if errors.As(err, &ex) || errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.CodeKeepAwakeUnsupported, argv[0]+" is unavailable", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeKeepAwakeAcquireFailed, "failed to start "+argv[0], err)
	}

	in := &Inhibitor{cmd: cmd, done: make(chan struct{})}
	go in.wait()
	return in, nil
}

func (in *Inhibitor) wait() {
	err := in.cmd.Wait()

	in.mu.Lock()
	if in.released {
		err = nil
	}
	in.err = err
	in.mu.Unlock()

	close(in.done)
}

// Done is closed when the inhibitor process exits.
func (in *Inhibitor) Done() <-chan struct{} {
	return in.done
}

// Err returns why the inhibitor exited, nil after Release.
func (in *Inhibitor) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// Release stops the inhibitor, escalating to SIGKILL when ctx ends first.
func (in *Inhibitor) Release(ctx context.Context) error {
	in.once.Do(func() {
		in.mu.Lock()
		in.released = true
		in.mu.Unlock()
		_ = in.cmd.Process.Signal(syscall.SIGTERM)
	})

	select {
	case <-in.done:
		return nil
	case <-ctx.Done():
		_ = in.cmd.Process.Kill()
		select {
		case <-in.done:
		case <-time.After(200 * time.Millisecond):
		}
		return fmt.Errorf("release timed out waiting for inhibitor exit: %w", ctx.Err())
	}
}
