package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
)

const stderrExcerptLen = 500

type xrayProcess struct {
	cmd        *exec.Cmd
	configPath string
	stderr     *bytes.Buffer
	done       chan struct{}
}

func (p *xrayProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor runs one xray process per key, each in its own process group.
type Supervisor struct {
	bin        string
	configDir  string
	startGrace time.Duration
	stopGrace  time.Duration

	mu    sync.Mutex
	procs map[string]*xrayProcess
}

func NewSupervisor(bin, configDir string, startGrace, stopGrace time.Duration) *Supervisor {
	return &Supervisor{
		bin:        bin,
		configDir:  configDir,
		startGrace: startGrace,
		stopGrace:  stopGrace,
		procs:      make(map[string]*xrayProcess),
	}
}

func (s *Supervisor) checkBinary() error {
	info, err := os.Stat(s.bin)
	if err != nil {
		return fmt.Errorf("xray binary not found at %s", s.bin)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("xray binary at %s is not executable", s.bin)
	}
	return nil
}

// Start launches a forwarder for the vless uri and returns its local socks port.
// A process already running under key is stopped first.
func (s *Supervisor) Start(ctx context.Context, key, uri string) (int, error) {
	if err := s.checkBinary(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrTunnel, err)
	}
	params, err := ParseVlessURI(uri)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrTunnel, err)
	}
	_ = s.Stop(key)

	port, err := FreePort()
	if err != nil {
		return 0, fmt.Errorf("%w: allocate port: %v", model.ErrTunnel, err)
	}
	data, err := json.MarshalIndent(BuildXrayConfig(params, port), "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(s.configDir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrTunnel, err)
	}
	configPath := filepath.Join(s.configDir, configFileName(key))
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrTunnel, err)
	}

	cmd := exec.Command(s.bin, "run", "-c", configPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := &bytes.Buffer{}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = os.Remove(configPath)
		return 0, fmt.Errorf("%w: start xray: %v", model.ErrTunnel, err)
	}
	proc := &xrayProcess{
		cmd:        cmd,
		configPath: configPath,
		stderr:     stderr,
		done:       make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	timer := time.NewTimer(s.startGrace)
	defer timer.Stop()
	select {
	case <-proc.done:
		_ = os.Remove(configPath)
		return 0, fmt.Errorf("%w: xray exited: %s", model.ErrTunnel, excerpt(stderr.String()))
	case <-ctx.Done():
		s.terminate(proc)
		_ = os.Remove(configPath)
		return 0, fmt.Errorf("%w: %v", model.ErrTunnel, ctx.Err())
	case <-timer.C:
	}

	s.mu.Lock()
	s.procs[key] = proc
	s.mu.Unlock()
	log.Printf("tunnel: xray started for %s on port %d", key, port)
	return port, nil
}

// Stop terminates the process for key and removes its config file.
func (s *Supervisor) Stop(key string) error {
	s.mu.Lock()
	proc, ok := s.procs[key]
	delete(s.procs, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.terminate(proc)
	if err := os.Remove(proc.configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	log.Printf("tunnel: xray stopped for %s", key)
	return nil
}

// terminate sends SIGTERM to the process group and SIGKILL after the stop grace.
func (s *Supervisor) terminate(proc *xrayProcess) {
	if proc.exited() {
		return
	}
	pid := proc.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()
	select {
	case <-proc.done:
	case <-timer.C:
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-proc.done
	}
}

func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	proc, ok := s.procs[key]
	s.mu.Unlock()
	return ok && !proc.exited()
}

// StopAll stops every supervised process.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.procs))
	for key := range s.procs {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	for _, key := range keys {
		if err := s.Stop(key); err != nil {
			log.Printf("tunnel: stop %s failed: %v", key, err)
		}
	}
}

// FreePort asks the kernel for an unused loopback port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func configFileName(key string) string {
	return unsafeKeyChars.ReplaceAllString(key, "_") + ".json"
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no output"
	}
	if len(s) > stderrExcerptLen {
		s = s[:stderrExcerptLen]
	}
	return s
}
