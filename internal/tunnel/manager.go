package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kage-kao/VK-Music-Saver/internal/repo"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// Forwarder runs local protocol-translating processes keyed by name.
type Forwarder interface {
	Start(ctx context.Context, key, uri string) (int, error)
	Stop(key string) error
	Running(key string) bool
	StopAll()
}

// Prober measures egress through an endpoint.
type Prober interface {
	Check(ctx context.Context, endpoint string) (*ProbeResult, error)
}

type checkRun struct {
	gen    uint64
	cancel context.CancelFunc
}

// Manager owns the configured proxies and keeps at most one of them enabled.
type Manager struct {
	repo   repo.ProxyRepo
	fwd    Forwarder
	prober Prober

	// toggleMu serializes Toggle, Delete and Restore.
	toggleMu sync.Mutex

	mu       sync.RWMutex
	proxies  map[string]*model.Proxy
	activeID string
	checks   map[string]*checkRun
	checkGen uint64
	checkWG  sync.WaitGroup
}

// NewManager loads persisted proxies. If more than one is enabled, all but the
// first are disabled.
func NewManager(ctx context.Context, proxyRepo repo.ProxyRepo, fwd Forwarder, prober Prober) (*Manager, error) {
	m := &Manager{
		repo:    proxyRepo,
		fwd:     fwd,
		prober:  prober,
		proxies: make(map[string]*model.Proxy),
		checks:  make(map[string]*checkRun),
	}
	list, err := proxyRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		// forwarders and checks do not survive a restart
		p.XrayRunning = false
		p.XrayPort = 0
		if p.Status == model.ProxyChecking {
			p.Status = model.ProxyUnchecked
			p.StatusMessage = ""
		}
		m.proxies[p.ID] = p
		if p.Enabled && m.activeID == "" {
			m.activeID = p.ID
		}
	}
	m.enforceExclusivity(ctx)
	return m, nil
}

// enforceExclusivity disables every enabled proxy other than activeID.
func (m *Manager) enforceExclusivity(ctx context.Context) {
	m.mu.Lock()
	var extra []*model.Proxy
	for id, p := range m.proxies {
		if p.Enabled && id != m.activeID {
			p.Enabled = false
			p.XrayRunning = false
			p.XrayPort = 0
			extra = append(extra, p.Clone())
		}
	}
	m.mu.Unlock()
	for _, p := range extra {
		log.Printf("tunnel: %v: disabling %s", model.ErrExclusivityViolation, p.ID)
		_ = m.fwd.Stop(p.ID)
		m.save(ctx, p)
	}
}

func (m *Manager) save(ctx context.Context, p *model.Proxy) {
	if err := m.repo.Save(ctx, p); err != nil {
		log.Printf("tunnel: save proxy %s failed: %v", p.ID, err)
	}
}

// AddProxy registers a disabled, unchecked proxy.
func (m *Manager) AddProxy(ctx context.Context, proxyType model.ProxyType, address, name string) (*model.Proxy, error) {
	proxyType = model.ProxyType(strings.ToLower(strings.TrimSpace(string(proxyType))))
	if !proxyType.Valid() {
		return nil, fmt.Errorf("%w: unknown proxy type %q", model.ErrValidation, proxyType)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", model.ErrValidation)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.ToUpper(string(proxyType)) + " proxy"
	}
	p := &model.Proxy{
		ID:        utils.NewSortableID(),
		Name:      name,
		ProxyType: proxyType,
		Address:   address,
		Status:    model.ProxyUnchecked,
		CreatedAt: time.Now(),
	}
	if err := m.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.proxies[p.ID] = p
	out := p.Clone()
	m.mu.Unlock()
	return out, nil
}

// Toggle flips the enabled flag. Enabling disables the current active proxy
// first. A vless proxy whose forwarder cannot start stays disabled and the
// returned error wraps model.ErrTunnel.
func (m *Manager) Toggle(ctx context.Context, id string) (*model.Proxy, error) {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.RLock()
	p, ok := m.proxies[id]
	var enabled bool
	var snapshot *model.Proxy
	if ok {
		enabled = p.Enabled
		snapshot = p.Clone()
	}
	prev := m.activeID
	m.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}

	if enabled {
		out := m.disable(ctx, id)
		m.swapActive(id, "")
		return out, nil
	}

	if prev != "" && prev != id {
		m.disable(ctx, prev)
		m.swapActive(prev, "")
	}

	var port int
	if snapshot.ProxyType == model.ProxyVless {
		var err error
		port, err = m.fwd.Start(ctx, id, snapshot.Address)
		if err != nil {
			m.mu.Lock()
			p.Enabled = false
			p.XrayRunning = false
			p.XrayPort = 0
			p.Status = model.ProxyError
			p.StatusMessage = truncate(err.Error(), 200)
			out := p.Clone()
			m.mu.Unlock()
			m.save(ctx, out)
			if !errors.Is(err, model.ErrTunnel) {
				err = fmt.Errorf("%w: %v", model.ErrTunnel, err)
			}
			return out, err
		}
	}

	if !m.swapActive("", id) {
		// only reachable if a concurrent writer bypassed toggleMu
		log.Printf("tunnel: %v while enabling %s", model.ErrExclusivityViolation, id)
		_ = m.fwd.Stop(id)
		return nil, model.ErrExclusivityViolation
	}
	m.mu.Lock()
	p.Enabled = true
	if port > 0 {
		p.XrayRunning = true
		p.XrayPort = port
		p.StatusMessage = fmt.Sprintf("Xray on port %d", port)
	}
	out := p.Clone()
	m.mu.Unlock()
	m.save(ctx, out)
	return out, nil
}

// swapActive sets activeID to next if it currently equals prev.
func (m *Manager) swapActive(prev, next string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID != prev {
		return false
	}
	m.activeID = next
	return true
}

// disable clears the enabled flag and stops the forwarder. Caller holds toggleMu.
func (m *Manager) disable(ctx context.Context, id string) *model.Proxy {
	m.mu.Lock()
	p, ok := m.proxies[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	p.Enabled = false
	p.XrayRunning = false
	p.XrayPort = 0
	out := p.Clone()
	m.mu.Unlock()

	if err := m.fwd.Stop(id); err != nil {
		log.Printf("tunnel: stop forwarder %s failed: %v", id, err)
	}
	m.save(ctx, out)
	return out
}

// Delete tears down the proxy's forwarder and any running check, then removes it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.RLock()
	p, ok := m.proxies[id]
	var enabled bool
	if ok {
		enabled = p.Enabled
	}
	m.mu.RUnlock()
	if !ok {
		return model.ErrNotFound
	}
	if enabled {
		m.disable(ctx, id)
		m.swapActive(id, "")
	}

	m.mu.Lock()
	if run, ok := m.checks[id]; ok {
		run.cancel()
		delete(m.checks, id)
	}
	delete(m.proxies, id)
	m.mu.Unlock()
	return m.repo.Delete(ctx, id)
}

// Check starts an asynchronous probe. A running probe for the same proxy is
// cancelled and its result discarded.
func (m *Manager) Check(ctx context.Context, id string) (*model.Proxy, error) {
	m.mu.Lock()
	p, ok := m.proxies[id]
	if !ok {
		m.mu.Unlock()
		return nil, model.ErrNotFound
	}
	if run, ok := m.checks[id]; ok {
		run.cancel()
	}
	m.checkGen++
	gen := m.checkGen
	checkCtx, cancel := context.WithCancel(context.Background())
	m.checks[id] = &checkRun{gen: gen, cancel: cancel}
	p.Status = model.ProxyChecking
	p.StatusMessage = "Checking..."
	snapshot := p.Clone()
	m.mu.Unlock()

	m.save(ctx, snapshot)
	m.checkWG.Add(1)
	go m.runCheck(checkCtx, snapshot, gen)
	return snapshot, nil
}

func (m *Manager) runCheck(ctx context.Context, p *model.Proxy, gen uint64) {
	defer m.checkWG.Done()

	endpoint := ""
	if p.ProxyType == model.ProxyVless {
		if p.Enabled && m.fwd.Running(p.ID) && p.XrayPort > 0 {
			endpoint = LocalSocksEndpoint(p.XrayPort)
		} else {
			tempKey := fmt.Sprintf("check_%s_%d", p.ID, gen)
			port, err := m.fwd.Start(ctx, tempKey, p.Address)
			if err != nil {
				m.finishCheck(p.ID, gen, nil, fmt.Errorf("xray error: %w", err))
				return
			}
			defer func() {
				if err := m.fwd.Stop(tempKey); err != nil {
					log.Printf("tunnel: stop temporary forwarder %s failed: %v", tempKey, err)
				}
			}()
			endpoint = LocalSocksEndpoint(port)
		}
	} else {
		endpoint = Endpoint(p)
	}

	result, err := m.prober.Check(ctx, endpoint)
	m.finishCheck(p.ID, gen, result, err)
}

func (m *Manager) finishCheck(id string, gen uint64, result *ProbeResult, checkErr error) {
	m.mu.Lock()
	run, ok := m.checks[id]
	p, exists := m.proxies[id]
	if !ok || run.gen != gen || !exists {
		m.mu.Unlock()
		return
	}
	delete(m.checks, id)
	run.cancel()
	now := time.Now()
	p.LastCheck = &now
	if checkErr != nil {
		p.Status = model.ProxyError
		p.StatusMessage = truncate(checkErr.Error(), 200)
		p.CheckIP = ""
		p.CheckLatency = 0
	} else {
		p.Status = model.ProxyOK
		p.StatusMessage = result.StatusMessage()
		p.CheckIP = result.IP
		p.CheckLatency = result.LatencyMs
	}
	out := p.Clone()
	m.mu.Unlock()
	m.save(context.Background(), out)
}

// List returns all proxies oldest first. An enabled vless proxy whose
// forwarder died is disabled and reported with status error.
func (m *Manager) List(ctx context.Context) []*model.Proxy {
	m.mu.Lock()
	var dead []*model.Proxy
	out := make([]*model.Proxy, 0, len(m.proxies))
	for id, p := range m.proxies {
		if p.ProxyType == model.ProxyVless && p.Enabled && !m.fwd.Running(id) {
			p.Enabled = false
			p.XrayRunning = false
			p.XrayPort = 0
			p.Status = model.ProxyError
			p.StatusMessage = fmt.Sprintf("%v: xray process exited", model.ErrTunnel)
			if m.activeID == id {
				m.activeID = ""
			}
			dead = append(dead, p.Clone())
		}
		out = append(out, p.Clone())
	}
	m.mu.Unlock()

	for _, p := range dead {
		log.Printf("tunnel: forwarder for %s died, proxy disabled", p.ID)
		_ = m.fwd.Stop(p.ID)
		m.save(ctx, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveEndpoint returns the outbound URL of the enabled proxy, if any.
func (m *Manager) ActiveEndpoint() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[m.activeID]
	if !ok || !p.Enabled {
		return "", false
	}
	endpoint := Endpoint(p)
	return endpoint, endpoint != ""
}

// Restore relaunches the forwarder of a persisted enabled vless proxy.
func (m *Manager) Restore(ctx context.Context) {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.RLock()
	p, ok := m.proxies[m.activeID]
	var snapshot *model.Proxy
	if ok {
		snapshot = p.Clone()
	}
	m.mu.RUnlock()
	if !ok || snapshot.ProxyType != model.ProxyVless {
		return
	}

	port, err := m.fwd.Start(ctx, snapshot.ID, snapshot.Address)
	m.mu.Lock()
	if err != nil {
		log.Printf("tunnel: restore %s failed: %v", snapshot.ID, err)
		p.Enabled = false
		p.XrayRunning = false
		p.XrayPort = 0
		p.Status = model.ProxyError
		p.StatusMessage = truncate(err.Error(), 200)
		m.activeID = ""
	} else {
		p.XrayRunning = true
		p.XrayPort = port
		p.StatusMessage = fmt.Sprintf("Xray on port %d", port)
	}
	out := p.Clone()
	m.mu.Unlock()
	m.save(ctx, out)
}

// Shutdown cancels running checks and stops every forwarder. The enabled flag
// is kept so Restore can bring the tunnel back.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for id, run := range m.checks {
		run.cancel()
		delete(m.checks, id)
	}
	var stopped []*model.Proxy
	for _, p := range m.proxies {
		if p.XrayRunning {
			p.XrayRunning = false
			p.XrayPort = 0
			stopped = append(stopped, p.Clone())
		}
	}
	m.mu.Unlock()

	m.checkWG.Wait()
	m.fwd.StopAll()
	for _, p := range stopped {
		m.save(ctx, p)
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
