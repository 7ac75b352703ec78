// Package launcher starts agent processes for new sessions.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/aixgo-dev/convene/pkg/security"
	"github.com/aixgo-dev/convene/pkg/session"
)

// Environment handed to launched agents.
const (
	EnvAgentName   = "CONVENE_AGENT_NAME"
	EnvAgentSecret = "CONVENE_AGENT_SECRET"
	EnvSessionID   = "CONVENE_SESSION_ID"
	EnvNamespace   = "CONVENE_NAMESPACE"
	EnvMCPURL      = "CONVENE_MCP_URL"
	EnvSSEURL      = "CONVENE_SSE_URL"
)

// ErrNoCommand is returned when a definition has no runtime command.
var ErrNoCommand = errors.New("agent definition has no runtime command")

// ErrClosed is returned by Launch after Close.
var ErrClosed = errors.New("launcher closed")

// Endpoints returns the streamable and SSE connection URLs of an agent.
func Endpoints(publicURL, secret string) (mcpURL, sseURL string) {
	base := strings.TrimSuffix(publicURL, "/") + "/agents/" + secret
	return base + "/mcp", base + "/sse"
}

// New returns the launcher named by typ ("none" or "exec").
func New(typ, publicURL string, logger *zap.Logger) (session.Launcher, error) {
	switch typ {
	case "", "none":
		return NewNoop(logger), nil
	case "exec":
		return NewExec(publicURL, WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown launcher type %q", typ)
	}
}

// Noop logs launch requests and starts nothing. Agents connect on their own
// using the secrets returned at session creation.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a Noop launcher.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// Launch implements session.Launcher.
func (n *Noop) Launch(_ context.Context, req session.LaunchRequest) error {
	n.logger.Info("agent awaiting external connection",
		zap.String("session", req.Session.String()),
		zap.String("agent", req.Agent),
		zap.String("registry_id", req.Definition.Name),
		zap.String("secret", security.MaskSecret(req.Secret)))
	return nil
}

// Stop implements session.Launcher.
func (n *Noop) Stop(context.Context, session.Key) error { return nil }

type process struct {
	agent string
	cmd   *exec.Cmd
	done  chan struct{}
}

// Exec runs each agent's runtime command as a child process. Processes are
// tracked per session and killed on Stop or Close.
type Exec struct {
	publicURL string
	logger    *zap.Logger
	grace     time.Duration

	mu     sync.Mutex
	procs  map[session.Key][]*process
	closed bool
}

// Option configures Exec.
type Option func(*Exec)

// WithLogger sets the logger. Child output is logged through it.
func WithLogger(l *zap.Logger) Option {
	return func(e *Exec) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStopGrace sets how long Stop waits for an interrupted process before
// killing it.
func WithStopGrace(d time.Duration) Option {
	return func(e *Exec) { e.grace = d }
}

// NewExec creates an Exec launcher. publicURL is the externally reachable
// base URL agents connect back to.
func NewExec(publicURL string, opts ...Option) *Exec {
	e := &Exec{
		publicURL: publicURL,
		logger:    zap.NewNop(),
		grace:     5 * time.Second,
		procs:     make(map[session.Key][]*process),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Launch implements session.Launcher.
func (e *Exec) Launch(_ context.Context, req session.LaunchRequest) error {
	rt := req.Definition.Runtime
	if rt.Command == "" {
		return fmt.Errorf("%w: %s", ErrNoCommand, req.Definition.Name)
	}
	if rt.Dir != "" {
		if err := security.ValidateFilePath(rt.Dir); err != nil {
			return fmt.Errorf("agent %s: working dir: %w", req.Agent, err)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	mcpURL, sseURL := Endpoints(e.publicURL, req.Secret)
	cmd := exec.Command(rt.Command, rt.Args...) // #nosec G204 -- command comes from the operator's registry file
	cmd.Dir = rt.Dir
	// Orphaned grandchildren must not hold Wait open on the output pipes.
	cmd.WaitDelay = e.grace
	cmd.Env = os.Environ()
	for k, v := range rt.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		EnvAgentName+"="+req.Agent,
		EnvAgentSecret+"="+req.Secret,
		EnvSessionID+"="+req.Session.ID,
		EnvNamespace+"="+req.Session.Namespace,
		EnvMCPURL+"="+mcpURL,
		EnvSSEURL+"="+sseURL,
	)

	log := e.logger.With(
		zap.String("session", req.Session.String()),
		zap.String("agent", req.Agent))
	stdout := &zapio.Writer{Log: log.With(zap.String("stream", "stdout")), Level: zapcore.InfoLevel}
	stderr := &zapio.Writer{Log: log.With(zap.String("stream", "stderr")), Level: zapcore.WarnLevel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %s: %w", req.Agent, err)
	}

	p := &process{agent: req.Agent, cmd: cmd, done: make(chan struct{})}
	e.mu.Lock()
	e.procs[req.Session] = append(e.procs[req.Session], p)
	e.mu.Unlock()

	log.Info("agent process started",
		zap.String("command", rt.Command),
		zap.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		close(p.done)
		e.forget(req.Session, p)
		if err != nil {
			log.Warn("agent process exited", zap.Error(err))
			return
		}
		log.Info("agent process exited")
	}()
	return nil
}

func (e *Exec) forget(key session.Key, p *process) {
	e.mu.Lock()
	defer e.mu.Unlock()
	procs := e.procs[key]
	for i, q := range procs {
		if q == p {
			procs = append(procs[:i], procs[i+1:]...)
			break
		}
	}
	if len(procs) == 0 {
		delete(e.procs, key)
		return
	}
	e.procs[key] = procs
}

// Running returns the number of live processes of a session.
func (e *Exec) Running(key session.Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs[key])
}

// Stop implements session.Launcher. Processes get an interrupt and are
// killed once the grace period or ctx runs out.
func (e *Exec) Stop(ctx context.Context, key session.Key) error {
	e.mu.Lock()
	procs := append([]*process(nil), e.procs[key]...)
	e.mu.Unlock()
	return e.stop(ctx, procs)
}

func (e *Exec) stop(ctx context.Context, procs []*process) error {
	var errs []error
	for _, p := range procs {
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = p.cmd.Process.Kill()
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.grace)
	defer cancel()
	for _, p := range procs {
		select {
		case <-p.done:
			continue
		case <-ctx.Done():
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill agent %s: %w", p.agent, err))
		}
		<-p.done
	}
	return errors.Join(errs...)
}

// Close kills every tracked process and rejects further launches.
func (e *Exec) Close() error {
	e.mu.Lock()
	e.closed = true
	var procs []*process
	for _, ps := range e.procs {
		procs = append(procs, ps...)
	}
	e.mu.Unlock()

	return e.stop(context.Background(), procs)
}
