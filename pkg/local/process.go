package local

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the process
// exits, in case a descendant still holds a pipe.
const waitDelay = 2 * time.Second

// isolate puts cmd and its descendants into their own process group.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay
}

// killGroup kills every process in the group led by pid.
func killGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// waitErr drops exec.ErrWaitDelay: the process itself exited cleanly and only
// a killed descendant kept a pipe open.
func waitErr(err error) error {
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

// processHandle tracks a spawned worker and its process group. A single
// reaper goroutine calls Wait so the exit status is collected exactly once.
type processHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func startProcess(cmd *exec.Cmd) (*processHandle, error) {
	isolate(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &processHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = waitErr(cmd.Wait())
		close(p.done)
	}()
	return p, nil
}

func (p *processHandle) Pid() int {
	return p.cmd.Process.Pid
}

func (p *processHandle) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or ctx is done.
func (p *processHandle) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout waits up to timeout for a natural exit.
func (p *processHandle) WaitTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Wait(ctx)
}

// Kill force-terminates the process group and reaps the leader. Descendants
// are killed even when the leader already exited.
func (p *processHandle) Kill() error {
	groupErr := killGroup(p.Pid())
	if groupErr != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Join(groupErr, err)
		}
	}
	<-p.done
	return nil
}
