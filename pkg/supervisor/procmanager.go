package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultGracefulShutdown = time.Minute

// shutdownSignal is what a polite stop sends before escalating to a kill.
var shutdownSignal = syscall.SIGTERM

// ProcManager drives the collector as a child process on the local host.
// One process at a time: Reload and Restart replace the running child
// instead of stacking a second one next to it.
type ProcManager struct {
	logger     *slog.Logger
	BinaryPath string

	// GracefulShutdown is how long a signaled child gets before the kill.
	GracefulShutdown time.Duration

	runMu     sync.Mutex
	cmd       *exec.Cmd
	cmdExited chan struct{}
	configs   []string

	healthMu sync.Mutex
	health   ProcessHealth
	onExit   func(err error)
	shutdown bool
}

var _ Driver = (*ProcManager)(nil)

func NewProcManager(logger *slog.Logger, binaryPath string) *ProcManager {
	return &ProcManager{
		logger:           logger,
		BinaryPath:       binaryPath,
		GracefulShutdown: defaultGracefulShutdown,
	}
}

// OnExit installs a callback for unexpected child exits, so the supervisor
// can push a health change instead of waiting for the next report tick.
func (p *ProcManager) OnExit(fn func(err error)) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	p.onExit = fn
}

func (p *ProcManager) Start(ctx context.Context, configs []string) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cmd != nil {
		p.logger.Debug("collector already running, ignoring start")
		return nil
	}
	return p.startLocked(ctx, configs)
}

// Reload replaces the config file set and bounces the child.
func (p *ProcManager) Reload(ctx context.Context, configs []string) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if err := p.stopLocked(); err != nil {
		return err
	}
	return p.startLocked(ctx, configs)
}

func (p *ProcManager) Restart(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	configs := p.configs
	if err := p.stopLocked(); err != nil {
		return err
	}
	return p.startLocked(ctx, configs)
}

func (p *ProcManager) startLocked(ctx context.Context, configs []string) error {
	if len(configs) == 0 {
		return errors.New("refusing to start the collector without config files")
	}

	args := make([]string, 0, 2*len(configs))
	for _, c := range configs {
		args = append(args, "--config", c)
	}
	p.logger.With("binary", p.BinaryPath, "args", strings.Join(args, " ")).Info("starting collector")

	cmd := exec.Command(p.BinaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	go p.pipeLogs(ctx, stderr)
	go p.pipeLogs(ctx, stdout)

	if err := cmd.Start(); err != nil {
		p.setHealth(ProcessHealth{Status: "start-failed", LastError: err.Error()})
		return fmt.Errorf("starting collector: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		p.logger.With("exit", err).Info("collector exited")
		p.noteExit(err)
	}()

	p.cmd = cmd
	p.cmdExited = exited
	p.configs = configs
	p.setHealth(ProcessHealth{Running: true, Status: "running", StartedAt: time.Now()})
	return nil
}

func (p *ProcManager) stopLocked() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	p.markShutdown(true)
	defer p.markShutdown(false)

	_ = p.cmd.Process.Signal(shutdownSignal)
	select {
	case <-p.cmdExited:
	case <-time.After(p.GracefulShutdown):
		p.logger.Warn("collector ignored the shutdown signal, killing it")
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.With("err", err).Error("failed to kill the collector")
		} else {
			<-p.cmdExited
		}
	}
	p.cmd = nil
	p.cmdExited = nil
	p.setHealth(ProcessHealth{Status: "stopped"})
	return nil
}

func (p *ProcManager) Shutdown() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.stopLocked()
}

func (p *ProcManager) Health() ProcessHealth {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.health
}

func (p *ProcManager) setHealth(h ProcessHealth) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	p.health = h
}

func (p *ProcManager) markShutdown(v bool) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	p.shutdown = v
}

// noteExit records an exit observed by the waiter goroutine. Exits during a
// deliberate stop are not failures.
func (p *ProcManager) noteExit(err error) {
	p.healthMu.Lock()
	if p.shutdown {
		p.healthMu.Unlock()
		return
	}
	h := ProcessHealth{Status: "exited"}
	if err != nil {
		h.Status = "crashed"
		h.LastError = err.Error()
	}
	p.health = h
	onExit := p.onExit
	p.healthMu.Unlock()
	if onExit != nil {
		onExit(err)
	}
}

// pipeLogs forwards the child's output line by line. Read failures back off
// instead of spinning on a broken pipe.
func (p *ProcManager) pipeLogs(ctx context.Context, rc io.ReadCloser) {
	defer rc.Close()

	l := p.logger.With("stream", "collector")
	bo := backoff.NewExponentialBackOff()

	r := bufio.NewReader(rc)
	for ctx.Err() == nil {
		ln, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return
			}
			l.With("err", err).Error("failed to read collector log")
			time.Sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()
		if ln = strings.TrimRight(ln, "\r\n"); ln != "" {
			l.Info(ln)
		}
	}
}
