package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

var (
	errNotReady     = errors.New("process exited before becoming ready")
	errReadyTimeout = errors.New("timed out waiting for process to become ready")
)

// process is one half of a test case running as a child process. Its
// combined stdout/stderr is streamed line by line to the sink and kept in a
// tail buffer for failure reports.
type process struct {
	log  log.Logger
	name string
	cmd  *exec.Cmd
	spec *types.ProcessSpec
	tail *tailBuffer

	readyOnce sync.Once
	ready     chan struct{}
	pid       int

	done    chan struct{}
	waitErr error
}

// startProcess launches spec with the extra args and env appended. The
// process is not bound to ctx: servers must outlive the call that started
// them and are stopped explicitly.
func startProcess(logger log.Logger, name string, spec *types.ProcessSpec, args, env []string, sink io.Writer) (*process, error) {
	return launch(exec.Command(spec.Exe, append(append([]string{}, spec.Args...), args...)...), logger, name, spec, env, sink)
}

// runProcess launches spec bound to ctx and waits for it to exit.
func runProcess(ctx context.Context, logger log.Logger, name string, spec *types.ProcessSpec, args, env []string, sink io.Writer) (*process, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, spec.Exe, append(append([]string{}, spec.Args...), args...)...)
	p, err := launch(cmd, logger, name, spec, env, sink)
	if err != nil {
		return nil, err
	}
	<-p.done
	if ctx.Err() != nil && p.waitErr != nil {
		p.waitErr = fmt.Errorf("%s: %w", name, ctx.Err())
	}
	return p, nil
}

func launch(cmd *exec.Cmd, logger log.Logger, name string, spec *types.ProcessSpec, env []string, sink io.Writer) (*process, error) {
	cmd.Dir = spec.Dir
	// Grandchildren may keep the output pipe open after a kill.
	cmd.WaitDelay = time.Second
	cmd.Env = append(append(os.Environ(), specEnv(spec)...), env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &process{
		log:   logger.New("process", name),
		name:  name,
		cmd:   cmd,
		spec:  spec,
		tail:  newTailBuffer(defaultTailBytes),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	p.log.Debug("Starting process", "cmd", cmd.String(), "dir", cmd.Dir)
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		p.scan(pr, io.MultiWriter(sink, p.tail))
	}()
	go func() {
		p.waitErr = cmd.Wait()
		_ = pw.Close()
		<-scanned
		p.log.Debug("Process exited", "err", p.waitErr)
		close(p.done)
	}()

	return p, nil
}

// specEnv renders the manifest environment of spec in key order.
func specEnv(spec *types.ProcessSpec) []string {
	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

func (p *process) scan(r io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = io.WriteString(out, line+"\n")
		p.checkReady(line)
	}
	// Drain whatever a too long line left behind so the child never blocks.
	_, _ = io.Copy(out, r)
}

func (p *process) checkReady(line string) {
	line = strings.TrimSpace(line)
	switch p.spec.ReadyMode {
	case types.ReadyPid:
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			return
		}
		p.readyOnce.Do(func() {
			p.pid = pid
			close(p.ready)
		})
	default:
		if line != p.spec.Ready {
			return
		}
		p.readyOnce.Do(func() { close(p.ready) })
	}
}

// waitReady blocks until the process announced readiness, exited, or timed out.
func (p *process) waitReady(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		// A process that printed its token and exited at once still counts.
		select {
		case <-p.ready:
			return nil
		default:
		}
		return fmt.Errorf("%s: %w (%v)", p.name, errNotReady, p.waitErr)
	case <-expired:
		return fmt.Errorf("%s: %w after %s", p.name, errReadyTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop joins a server the client already drove to shutdown. A server still
// running after half of timeout is interrupted, and killed once timeout
// expires. It returns the exit error of the process.
func (p *process) stop(timeout time.Duration) error {
	t := time.NewTimer(timeout / 2)
	defer t.Stop()
	select {
	case <-p.done:
		return p.waitErr
	case <-t.C:
	}

	p.log.Debug("Process still running, interrupting it")
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("Failed to interrupt process", "err", err)
	}
	t.Reset(timeout - timeout/2)
	select {
	case <-p.done:
		return interruptedExit(p.waitErr)
	case <-t.C:
		p.log.Warn("Process did not exit in time, killing it", "timeout", timeout)
		p.kill()
		return fmt.Errorf("%s did not exit within %s", p.name, timeout)
	}
}

// interruptedExit drops the exit error of a process terminated by the
// interrupt sent in stop.
func interruptedExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		return nil
	}
	return err
}

// kill terminates the process and waits until its output is drained.
func (p *process) kill() {
	select {
	case <-p.done:
		return
	default:
	}
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Warn("Failed to kill process", "err", err)
		}
	}
	<-p.done
}

// failure wraps the exit error of the process into a test case failure
// carrying the tail of its output.
func (p *process) failure(err error) error {
	if err == nil {
		return nil
	}
	out := p.tail.String()
	if p.tail.Truncated() {
		out = "... output truncated ...\n" + out
	}
	tcErr := &types.TestCaseFailedError{Output: strings.TrimLeft(strings.TrimRight(out, "\n")+"\n"+err.Error(), "\n")}
	return fmt.Errorf("%s: %w (%w)", p.name, tcErr, err)
}
