package isolation

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/json"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

// maxLineBytes bounds one message line read from a plugin's stdout.
const maxLineBytes = 1 << 20

type proc struct {
	handle   plugin.Handle
	pluginID string
	cmd      *exec.Cmd
	stdin    io.WriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	pendingMu sync.Mutex
	pending   map[string]chan plugin.Message

	done   chan struct{}
	status plugin.ExitStatus
}

// Process runs each plugin entry point as a child process. Messages are
// exchanged as JSON lines over the child's stdin and stdout; stderr is
// forwarded to the log. Sandboxes are private working directories.
type Process struct {
	mu        sync.Mutex
	procs     map[string]*proc
	sandboxes map[string]string

	root   string
	logger logging.Logger
}

// NewProcess creates a backend whose sandboxes live under root. An empty
// root uses the OS temp directory.
func NewProcess(root string, logger logging.Logger) (*Process, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "plugind")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, apperrors.CodeInternalError, "create sandbox root")
	}
	return &Process{
		procs:     make(map[string]*proc),
		sandboxes: make(map[string]string),
		root:      root,
		logger:    logging.OrNop(logger).Named("isolation"),
	}, nil
}

func (b *Process) Spawn(ctx context.Context, manifest plugin.Manifest, sandbox plugin.SandboxConfig) (plugin.Handle, error) {
	if err := ctx.Err(); err != nil {
		return plugin.Handle{}, err
	}

	// not CommandContext: the child must outlive the spawn call
	cmd := exec.Command(manifest.EntryPoint, manifest.Args...)
	cmd.Env = os.Environ()
	for k, v := range manifest.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range sandbox.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	sandboxID := sandbox.Environment[plugin.EnvSandboxID]
	if sandboxID != "" {
		b.mu.Lock()
		dir, ok := b.sandboxes[sandboxID]
		b.mu.Unlock()
		if ok {
			cmd.Dir = dir
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return plugin.Handle{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return plugin.Handle{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return plugin.Handle{}, err
	}
	if err := cmd.Start(); err != nil {
		return plugin.Handle{}, err
	}

	p := &proc{
		handle: plugin.Handle{
			ID:        uuid.NewString(),
			PID:       cmd.Process.Pid,
			SandboxID: sandboxID,
			StartedAt: time.Now(),
		},
		pluginID: manifest.ID,
		cmd:      cmd,
		stdin:    stdin,
		enc:      json.NewEncoder(stdin),
		pending:  make(map[string]chan plugin.Message),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.procs[p.handle.ID] = p
	b.mu.Unlock()

	log := b.logger.With(logging.PluginID(manifest.ID), zap.Int("pid", p.handle.PID))
	go p.readMessages(stdout, log)
	go forwardStderr(stderr, log)
	go p.wait(log)

	log.Info("process started", zap.String("entry_point", manifest.EntryPoint))
	return p.handle, nil
}

func (p *proc) wait(log logging.Logger) {
	err := p.cmd.Wait()
	status := plugin.ExitStatus{Err: err}
	if ps := p.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		status.Signaled = ps.ExitCode() == -1
	}
	p.status = status
	close(p.done)
	log.Info("process exited", zap.Int("code", status.Code), zap.Bool("signaled", status.Signaled))
}

// readMessages routes every response line to the Deliver call waiting on
// its correlation id. Other lines are logged and dropped.
func (p *proc) readMessages(r io.Reader, log logging.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		var msg plugin.Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			log.Debug("non-message output", zap.ByteString("line", sc.Bytes()))
			continue
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[msg.CorrelationID]
		delete(p.pending, msg.CorrelationID)
		p.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func forwardStderr(r io.Reader, log logging.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Info(sc.Text(), zap.String("stream", "stderr"))
	}
}

func (b *Process) get(id string) (*proc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[id]
	if !ok {
		return nil, apperrors.NewNotFound("handle", id)
	}
	return p, nil
}

func (b *Process) Signal(_ context.Context, h plugin.Handle, sig plugin.Signal) error {
	p, err := b.get(h.ID)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if sig == plugin.SignalKill {
		err = p.cmd.Process.Kill()
	} else {
		_ = p.stdin.Close()
		err = p.cmd.Process.Signal(os.Interrupt)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait reports the exit of h once; the handle is forgotten afterwards.
func (b *Process) Wait(ctx context.Context, h plugin.Handle) (plugin.ExitStatus, error) {
	p, err := b.get(h.ID)
	if err != nil {
		return plugin.ExitStatus{}, err
	}
	select {
	case <-p.done:
		b.mu.Lock()
		delete(b.procs, h.ID)
		b.mu.Unlock()
		return p.status, nil
	case <-ctx.Done():
		return plugin.ExitStatus{}, ctx.Err()
	}
}

func (b *Process) SampleUsage(ctx context.Context, h plugin.Handle) (plugin.ResourceUsage, error) {
	ps, err := process.NewProcessWithContext(ctx, int32(h.PID))
	if err != nil {
		return plugin.ResourceUsage{}, apperrors.NewNotFound("process", h.ID)
	}

	usage := plugin.ResourceUsage{SampledAt: time.Now()}
	if mem, err := ps.MemoryInfoWithContext(ctx); err == nil {
		usage.MemoryBytes = mem.RSS
	}
	if cpu, err := ps.CPUPercentWithContext(ctx); err == nil {
		usage.CPUPercent = cpu
	}
	if counters, err := ps.IOCountersWithContext(ctx); err == nil {
		usage.DiskIOBytes = counters.ReadBytes + counters.WriteBytes
	}
	if fds, err := ps.NumFDsWithContext(ctx); err == nil {
		usage.OpenFiles = uint64(fds)
	}
	if threads, err := ps.NumThreadsWithContext(ctx); err == nil {
		usage.Threads = uint64(threads)
	}
	if children, err := ps.ChildrenWithContext(ctx); err == nil {
		usage.ChildProcesses = uint64(len(children))
	}
	return usage, nil
}

// Deliver writes msg to the process and waits for the response carrying
// the same correlation id.
func (b *Process) Deliver(ctx context.Context, h plugin.Handle, msg plugin.Message) (plugin.Message, error) {
	p, err := b.get(h.ID)
	if err != nil {
		return plugin.Message{}, err
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}

	reply := make(chan plugin.Message, 1)
	p.pendingMu.Lock()
	p.pending[msg.CorrelationID] = reply
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, msg.CorrelationID)
		p.pendingMu.Unlock()
	}()

	p.writeMu.Lock()
	err = p.enc.Encode(&msg)
	p.writeMu.Unlock()
	if err != nil {
		return plugin.Message{}, err
	}

	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout)
		defer cancel()
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-p.done:
		return plugin.Message{}, apperrors.NewNotFound("handle", h.ID)
	case <-ctx.Done():
		return plugin.Message{}, apperrors.NewTimeout("deliver message", ctx.Err())
	}
}

func (b *Process) CreateSandbox(_ context.Context, pluginID string, _ plugin.SandboxConfig) (string, error) {
	dir, err := os.MkdirTemp(b.root, pluginID+"-")
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	b.mu.Lock()
	b.sandboxes[id] = dir
	b.mu.Unlock()
	b.logger.Debug("sandbox directory created", logging.SandboxID(id), zap.String("dir", dir))
	return id, nil
}

func (b *Process) DestroySandbox(_ context.Context, sandboxID string) error {
	b.mu.Lock()
	dir, ok := b.sandboxes[sandboxID]
	delete(b.sandboxes, sandboxID)
	b.mu.Unlock()
	if !ok {
		return apperrors.NewNotFound("sandbox", sandboxID)
	}
	return os.RemoveAll(dir)
}

var (
	_ plugin.IsolationBackend = (*Process)(nil)
	_ plugin.SandboxProvider  = (*Process)(nil)
	_ plugin.MessageTransport = (*Process)(nil)
)
