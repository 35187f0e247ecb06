// Package visatest provides in-memory VISA resources for tests.
package visatest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mabuchilab/instrumental/internal/visa"
)

// Resource is a scripted visa.Resource. Queries are answered from
// Responses; unknown queries fail with visa.ErrTimeout, like a silent device.
type Resource struct {
	Addr      string
	Responses map[string]string

	mu      sync.Mutex
	writes  []string
	queries []string
	closed  int
	last    string
}

// NewResource returns a resource at addr answering *IDN? with idn.
func NewResource(addr, idn string) *Resource {
	r := &Resource{Addr: addr, Responses: map[string]string{}}
	if idn != "" {
		r.Responses["*IDN?"] = idn
	}
	return r
}

func (r *Resource) Address() string { return r.Addr }

func (r *Resource) Write(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed > 0 {
		return visa.ErrClosed
	}
	r.writes = append(r.writes, msg)
	r.last = msg
	return nil
}

func (r *Resource) Read() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answer(r.last)
}

func (r *Resource) Query(msg string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed > 0 {
		return "", visa.ErrClosed
	}
	r.queries = append(r.queries, msg)
	return r.answer(msg)
}

func (r *Resource) answer(msg string) (string, error) {
	resp, ok := r.Responses[msg]
	if !ok {
		return "", fmt.Errorf("%w: no answer to %q", visa.ErrTimeout, msg)
	}
	return resp, nil
}

func (r *Resource) Clear() error                   { return nil }
func (r *Resource) SetTimeout(time.Duration) error { return nil }
func (r *Resource) SetTermination(string, string)  {}

func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

// Writes returns every physical write in order.
func (r *Resource) Writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

// Queries returns every query in order.
func (r *Resource) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

// Closed reports how many times Close was called.
func (r *Resource) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Manager serves Resources by address.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*Resource
	order     []string
	opened    []string
}

// NewManager returns a Manager holding rs in listing order.
func NewManager(rs ...*Resource) *Manager {
	m := &Manager{resources: map[string]*Resource{}}
	for _, r := range rs {
		m.Add(r)
	}
	return m
}

// Add registers r.
func (m *Manager) Add(r *Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.Addr] = r
	m.order = append(m.order, r.Addr)
}

// AddAddress lists addr without a device behind it.
func (m *Manager) AddAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, addr)
}

func (m *Manager) ListResources(_ context.Context, query string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, addr := range m.order {
		if query == "" || visa.MatchQuery(query, addr) {
			out = append(out, addr)
		}
	}
	return out, nil
}

func (m *Manager) Open(_ context.Context, address string) (visa.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, address)
	if r, ok := m.resources[address]; ok {
		r.mu.Lock()
		r.closed = 0
		r.mu.Unlock()
		return r, nil
	}
	for addr, r := range m.resources {
		if strings.EqualFold(addr, address) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", visa.ErrNotPresent, address)
}

// Opened returns every address passed to Open.
func (m *Manager) Opened() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.opened...)
}
