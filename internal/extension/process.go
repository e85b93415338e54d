package extension

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"

	"github.com/nexusd/nexus/internal/event"
	"github.com/nexusd/nexus/internal/extensionrpc"
	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
)

// Process is a running (or not-yet-started) extension backed by a child
// process speaking line-delimited JSON-RPC over stdio.
//
// Stdin and stdout are guarded by independent locks: a notification
// delivery task can write to stdin while a call holds the stdout lock for
// the duration of its read loop, and vice versa.
type Process struct {
	id          string
	displayName string
	description string
	operations  []manifest.OperationDef
	capabilities []string
	binaryPath  string
	launchArgs  string
	dataDir     string

	procMu sync.Mutex
	cmd    *exec.Cmd

	stdinMu sync.Mutex
	stdin   *bufio.Writer
	stdinC  io.Closer

	stdoutMu sync.Mutex
	stdout   *bufio.Reader

	nextID atomic.Uint64

	routerMu sync.Mutex
	router   Router

	busMu sync.Mutex
	bus   *event.Bus

	subsMu sync.Mutex
	subs   []func()
}

// NewProcess builds a Process for manifest m, not yet started. launchArgs is
// the platform binary's optional shell-quoted extra argument string (see
// manifest.ExtensionBinary.LaunchArgs), appended to the process invocation.
func NewProcess(m *manifest.ExtensionManifest, binaryPath, launchArgs, dataDir string) *Process {
	return &Process{
		id:           m.ID,
		displayName:  m.DisplayName,
		description:  m.Description,
		operations:   m.Operations,
		capabilities: m.Capabilities,
		binaryPath:   binaryPath,
		launchArgs:   launchArgs,
		dataDir:      dataDir,
	}
}

func (p *Process) ID() string                         { return p.id }
func (p *Process) DisplayName() string                { return p.displayName }
func (p *Process) Description() string                { return p.description }
func (p *Process) Operations() []manifest.OperationDef { return p.operations }
func (p *Process) Capabilities() []string              { return p.capabilities }

// SetRouter wires the registry used to serve inbound call_extension and
// list_extensions IPC requests.
func (p *Process) SetRouter(r Router) {
	p.routerMu.Lock()
	defer p.routerMu.Unlock()
	p.router = r
}

// SetBus wires the event bus used to serve inbound event.* IPC requests.
func (p *Process) SetBus(b *event.Bus) {
	p.busMu.Lock()
	defer p.busMu.Unlock()
	p.bus = b
}

// Start spawns the child process and performs the initialize handshake.
func (p *Process) Start(ctx context.Context, version string) error {
	var args []string
	if p.launchArgs != "" {
		parsed, err := shlex.Split(p.launchArgs)
		if err != nil {
			return nexuserr.Wrap(nexuserr.InvalidManifest, "parsing extension launch_args", err)
		}
		args = parsed
	}
	cmd := exec.CommandContext(ctx, p.binaryPath, args...)
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nexuserr.Wrap(nexuserr.IO, "opening extension stdin", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nexuserr.Wrap(nexuserr.IO, "opening extension stdout", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nexuserr.Wrap(nexuserr.IO, "opening extension stderr", err)
	}

	if p.dataDir != "" {
		_ = os.MkdirAll(p.dataDir, 0o755)
	}

	if err := cmd.Start(); err != nil {
		return nexuserr.Wrap(nexuserr.IO, fmt.Sprintf("spawning extension %q", p.id), err)
	}

	stdinW := bufio.NewWriter(stdinPipe)
	stdoutR := bufio.NewReader(stdoutPipe)

	initParams := map[string]any{
		"extension_id": p.id,
		"version":      version,
	}
	if p.dataDir != "" {
		initParams["data_dir"] = p.dataDir
	}
	initID := p.nextID.Add(1) - 1
	req := extensionrpc.Request{JSONRPC: "2.0", Method: "initialize", Params: initParams, ID: initID}

	if err := extensionrpc.WriteRequest(stdinW, req); err != nil {
		p.drainStderr(stderrPipe, true)
		return nexuserr.Wrap(nexuserr.Protocol, "sending initialize", err)
	}

	resp, err := extensionrpc.ReadResponse(stdoutR)
	if err != nil {
		p.drainStderr(stderrPipe, true)
		_ = cmd.Process.Kill()
		return nexuserr.Wrap(nexuserr.Protocol, fmt.Sprintf("extension %q failed init", p.id), err)
	}
	if resp.Error != nil {
		_ = cmd.Process.Kill()
		return nexuserr.Newf(nexuserr.Protocol, "extension %q initialization failed: %s", p.id, resp.Error.Message)
	}

	go p.forwardStderr(stderrPipe)

	p.procMu.Lock()
	p.cmd = cmd
	p.procMu.Unlock()

	p.stdinMu.Lock()
	p.stdin = stdinW
	p.stdinC = stdinPipe
	p.stdinMu.Unlock()

	p.stdoutMu.Lock()
	p.stdout = stdoutR
	p.stdoutMu.Unlock()

	hostlog.Logf("started extension process: %s", p.id)
	return nil
}

func (p *Process) drainStderr(r io.Reader, logOnce bool) {
	data, _ := io.ReadAll(r)
	if logOnce && len(data) > 0 {
		hostlog.Errorf("extension %q stderr: %s", p.id, string(data))
	}
}

// forwardStderr keeps the extension's stderr pipe drained and forwards each
// line to the host log, so the child never blocks (or SIGPIPEs) writing
// diagnostics.
func (p *Process) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			hostlog.Logf("[ext:%s] %s", p.id, line)
		}
	}
}

// IsRunning reports whether the child process is running. It returns false,
// dropping all stdio handles, only once ProcessState is set. cmd.Wait is
// called only by Stop, so from a successful Start until Stop IsRunning
// reports true; a child that exits on its own before Stop is not detected.
func (p *Process) IsRunning() bool {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}
	if p.cmd.ProcessState != nil {
		p.clearHandlesLocked()
		return false
	}
	// os.Process has no non-blocking poll on all platforms, and no goroutine
	// waits on the child before Stop. Absent ProcessState, assume running.
	return true
}

func (p *Process) clearHandlesLocked() {
	p.cmd = nil
	p.stdinMu.Lock()
	p.stdin = nil
	p.stdinC = nil
	p.stdinMu.Unlock()
	p.stdoutMu.Lock()
	p.stdout = nil
	p.stdoutMu.Unlock()
}

// Stop aborts all subscription delivery tasks, sends shutdown, waits up to
// a grace period for an orderly exit, then kills the process if needed.
func (p *Process) Stop() error {
	p.abortSubscriptions()

	p.procMu.Lock()
	cmd := p.cmd
	p.procMu.Unlock()
	if cmd == nil {
		return nil
	}

	p.stdinMu.Lock()
	stdin := p.stdin
	p.stdinMu.Unlock()
	p.stdoutMu.Lock()
	stdout := p.stdout
	p.stdoutMu.Unlock()

	if stdin != nil && stdout != nil {
		shutdownID := p.nextID.Add(1) - 1
		req := extensionrpc.Request{JSONRPC: "2.0", Method: "shutdown", Params: map[string]any{}, ID: shutdownID}
		_ = extensionrpc.WriteRequest(stdin, req)
		_, _ = extensionrpc.ReadResponse(stdout)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		hostlog.Warnf("extension %q did not exit gracefully, killing", p.id)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}

	p.procMu.Lock()
	p.clearHandlesLocked()
	p.procMu.Unlock()

	hostlog.Logf("stopped extension process: %s", p.id)
	return nil
}

func (p *Process) abortSubscriptions() {
	p.subsMu.Lock()
	cancels := p.subs
	p.subs = nil
	p.subsMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Execute performs a normal `execute` RPC call, invoked by the host (never
// by another extension — that path goes through call_extension IPC
// instead).
func (p *Process) Execute(operation string, input any) (OperationResult, error) {
	return p.call(operation, input, "")
}

// ExecuteAs performs an `execute` RPC call on behalf of callerPluginID,
// threading caller_plugin_id through so the extension can apply
// caller-specific scoping.
func (p *Process) ExecuteAs(operation string, input any, callerPluginID string) (OperationResult, error) {
	return p.call(operation, input, callerPluginID)
}

func (p *Process) call(operation string, input any, callerPluginID string) (OperationResult, error) {
	p.procMu.Lock()
	cmd := p.cmd
	p.procMu.Unlock()
	if cmd == nil {
		return OperationResult{}, nexuserr.New(nexuserr.ProcessNotRunning, fmt.Sprintf("extension %q is not running", p.id))
	}
	if cmd.ProcessState != nil {
		return OperationResult{}, nexuserr.New(nexuserr.ProcessNotRunning, fmt.Sprintf("extension %q exited unexpectedly", p.id))
	}

	callID := p.nextID.Add(1) - 1

	var method string
	var params any
	if resourceMethod, ok := stripResourcesPrefix(operation); ok {
		method = "resources." + resourceMethod
		params = input
	} else {
		m := map[string]any{"operation": operation, "input": input}
		if callerPluginID != "" {
			m["caller_plugin_id"] = callerPluginID
		}
		method = "execute"
		params = m
	}

	req := extensionrpc.Request{JSONRPC: "2.0", Method: method, Params: params, ID: callID}

	p.stdinMu.Lock()
	stdin := p.stdin
	if stdin == nil {
		p.stdinMu.Unlock()
		return OperationResult{}, nexuserr.New(nexuserr.ProcessNotRunning, fmt.Sprintf("extension %q is not running", p.id))
	}
	writeErr := extensionrpc.WriteRequest(stdin, req)
	p.stdinMu.Unlock()
	if writeErr != nil {
		return OperationResult{}, nexuserr.Wrap(nexuserr.Protocol, "writing extension request", writeErr)
	}

	p.routerMu.Lock()
	router := p.router
	p.routerMu.Unlock()

	p.stdoutMu.Lock()
	defer p.stdoutMu.Unlock()
	stdout := p.stdout
	if stdout == nil {
		return OperationResult{}, nexuserr.New(nexuserr.ProcessNotRunning, fmt.Sprintf("extension %q is not running", p.id))
	}

	for {
		msg, err := extensionrpc.ReadMessage(stdout)
		if err != nil {
			return OperationResult{}, nexuserr.Wrap(nexuserr.Protocol, "reading extension message", err)
		}

		switch msg.Kind {
		case extensionrpc.KindResponse:
			if msg.Response.Error != nil {
				return OperationResult{}, nexuserr.New(nexuserr.Protocol, msg.Response.Error.Message)
			}
			var result OperationResult
			if len(msg.Response.Result) > 0 {
				if err := json.Unmarshal(msg.Response.Result, &result); err != nil {
					result = OperationResult{Success: true, Data: json.RawMessage(msg.Response.Result)}
				}
			} else {
				result = OperationResult{Success: true}
			}
			return result, nil
		case extensionrpc.KindRequest:
			out := p.handleIncoming(msg.Request, router)
			p.stdinMu.Lock()
			writeErr := extensionrpc.WriteResponse(p.stdin, out)
			p.stdinMu.Unlock()
			if writeErr != nil {
				return OperationResult{}, nexuserr.Wrap(nexuserr.Protocol, "writing IPC response", writeErr)
			}
		}
	}
}

func stripResourcesPrefix(operation string) (string, bool) {
	const prefix = "__resources_"
	if len(operation) > len(prefix) && operation[:len(prefix)] == prefix {
		return operation[len(prefix):], true
	}
	return "", false
}
