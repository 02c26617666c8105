package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/log"
)

// LocalSpawner runs agent processes as local children of this process.
// Interactive sessions use a stdin-backed writer as the terminal stand-in;
// stdout lines pump the event bus. Provider session ids are picked up
// from JSON lines carrying a "session_id" field.
type LocalSpawner struct {
	log     zerolog.Logger
	command []string

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	id       string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	events   *bus.Bus
	released bool
}

// NewLocalSpawner creates a spawner that launches the given base command
// for every session.
func NewLocalSpawner(command []string) *LocalSpawner {
	return &LocalSpawner{
		log:     log.WithComponent("spawner"),
		command: command,
		procs:   make(map[string]*localProc),
	}
}

// Spawn implements Spawner.
func (s *LocalSpawner) Spawn(ctx context.Context, agentID, role string, opts SpawnOptions) (*Spawned, error) {
	if len(s.command) == 0 {
		return nil, fmt.Errorf("spawner has no command configured")
	}

	argv := append([]string(nil), s.command...)
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		argv = append(argv, "--resume", opts.ResumeSessionID)
	}
	if opts.Mode == ModeHeadless {
		argv = append(argv, "--print")
	}
	if opts.Prompt != "" {
		argv = append(argv, opts.Prompt)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDirectory
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := &localProc{
		id:     "sess-" + uuid.NewString()[:8],
		cmd:    cmd,
		stdin:  stdin,
		events: bus.New(),
	}
	s.mu.Lock()
	s.procs[p.id] = p
	s.mu.Unlock()

	go s.pumpStdout(p, stdout, opts.Mode)
	go s.pumpStderr(p, stderr)
	go s.waitExit(p)

	s.log.Info().Str("session", p.id).Str("agent", agentID).Str("role", role).
		Int("pid", cmd.Process.Pid).Msg("spawned process")
	return &Spawned{
		ID:               p.id,
		PID:              cmd.Process.Pid,
		WorkingDirectory: opts.WorkingDirectory,
		Events:           p.events,
	}, nil
}

// pumpStdout turns process output lines into bus events.
func (s *LocalSpawner) pumpStdout(p *localProc, r io.Reader, mode Mode) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.events.Emit(EventRaw, line)
		if mode == ModeInteractive {
			p.events.Emit(EventPTYData, line)
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			if id, ok := obj["session_id"].(string); ok && id != "" {
				p.events.Emit(EventProviderSessionID, id)
			}
			p.events.Emit(EventEvent, obj)
		}
	}
}

func (s *LocalSpawner) pumpStderr(p *localProc, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.events.Emit(EventStderr, scanner.Text())
	}
}

// waitExit reaps the child and emits its exit event. A released (suspended)
// process exits silently; the manager already accounted for it.
func (s *LocalSpawner) waitExit(p *localProc) {
	err := p.cmd.Wait()

	s.mu.Lock()
	released := p.released
	delete(s.procs, p.id)
	s.mu.Unlock()
	if released {
		return
	}

	payload := ExitPayload{}
	if exitErr, ok := err.(*exec.ExitError); ok {
		payload.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			payload.Signal = ws.Signal().String()
		}
	} else if err != nil {
		payload.Code = -1
	}
	p.events.Emit(EventExit, payload)
}

// Terminate implements Spawner.
func (s *LocalSpawner) Terminate(id string, graceful bool) error {
	p := s.get(id)
	if p == nil {
		return nil
	}
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	return p.cmd.Process.Signal(sig)
}

// Suspend implements Spawner. The child is stopped, but its exit is
// swallowed: the provider keeps the session on disk, resumable by id.
func (s *LocalSpawner) Suspend(id string) error {
	s.mu.Lock()
	p := s.procs[id]
	if p != nil {
		p.released = true
	}
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no such process %s", id)
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Interrupt implements Spawner.
func (s *LocalSpawner) Interrupt(id string) error {
	p := s.get(id)
	if p == nil {
		return fmt.Errorf("no such process %s", id)
	}
	return p.cmd.Process.Signal(syscall.SIGINT)
}

// WriteToPTY implements Spawner. Without a real terminal attached the
// stdin pipe doubles as the PTY writer.
func (s *LocalSpawner) WriteToPTY(id, data string) error {
	return s.SendInput(id, data)
}

// SendInput implements Spawner.
func (s *LocalSpawner) SendInput(id, data string) error {
	p := s.get(id)
	if p == nil {
		return fmt.Errorf("no such process %s", id)
	}
	_, err := io.WriteString(p.stdin, data)
	return err
}

// Alive implements Spawner.
func (s *LocalSpawner) Alive(id string) bool {
	p := s.get(id)
	if p == nil {
		return false
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (s *LocalSpawner) get(id string) *localProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}
