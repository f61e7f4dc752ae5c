// Package watchlist owns the operator-configured set of monitored IP
// addresses and ports. Mutations are serialized behind a mutex; the packet
// path reads a point-in-time View published atomically on every change, so
// membership tests on the hot path never take a lock.
package watchlist

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"flowscope/internal/model"
)

// View is an immutable point-in-time copy of the watch-list. Safe for
// concurrent use; never mutated after publication.
type View struct {
	ips   map[uint32]struct{}
	ports map[uint16]struct{}
}

// ContainsIP reports whether ip is watched.
func (v *View) ContainsIP(ip uint32) bool {
	_, ok := v.ips[ip]
	return ok
}

// ContainsPort reports whether port is watched.
func (v *View) ContainsPort(port uint16) bool {
	_, ok := v.ports[port]
	return ok
}

// OperationResult reports the outcome of a single add/remove. Duplicate adds
// and missing removes are unsuccessful results, not errors.
type OperationResult struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	AffectedItem *string `json:"affected_item"`
}

// Config is the externally visible watch-list state.
type Config struct {
	ListenIPs   []string `json:"listen_ips"`
	ListenPorts []uint16 `json:"listen_ports"`
	Interface   string   `json:"interface"`
}

// List is the watch-list owner.
type List struct {
	mu        sync.Mutex
	ips       map[uint32]struct{}
	ports     map[uint16]struct{}
	iface     string
	view      atomic.Pointer[View]
}

// New creates a watch-list for the given capture interface.
func New(iface string) *List {
	l := &List{
		ips:   make(map[uint32]struct{}),
		ports: make(map[uint16]struct{}),
		iface: iface,
	}
	l.publish()
	return l
}

// NewFromTargets seeds a watch-list with already-parsed addresses.
func NewFromTargets(iface string, ips []uint32, ports []uint16) *List {
	l := New(iface)
	l.mu.Lock()
	for _, ip := range ips {
		l.ips[ip] = struct{}{}
	}
	for _, p := range ports {
		l.ports[p] = struct{}{}
	}
	l.publish()
	l.mu.Unlock()
	return l
}

// View returns the current published view for the packet path.
func (l *List) View() *View {
	return l.view.Load()
}

// publish replaces the hot-path view. Callers hold l.mu.
func (l *List) publish() {
	v := &View{
		ips:   make(map[uint32]struct{}, len(l.ips)),
		ports: make(map[uint16]struct{}, len(l.ports)),
	}
	for ip := range l.ips {
		v.ips[ip] = struct{}{}
	}
	for p := range l.ports {
		v.ports[p] = struct{}{}
	}
	l.view.Store(v)
}

// AddIP adds a dotted-quad address to the watch-list.
func (l *List) AddIP(ipStr string) (OperationResult, error) {
	ip, err := model.ParseIPv4(ipStr)
	if err != nil {
		return OperationResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ips[ip]; ok {
		return result(false, fmt.Sprintf("IP address %s is already on the watch-list", ipStr), ipStr), nil
	}
	l.ips[ip] = struct{}{}
	l.publish()
	return result(true, fmt.Sprintf("added watch-list IP address: %s", ipStr), ipStr), nil
}

// RemoveIP removes a dotted-quad address from the watch-list.
func (l *List) RemoveIP(ipStr string) (OperationResult, error) {
	ip, err := model.ParseIPv4(ipStr)
	if err != nil {
		return OperationResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ips[ip]; !ok {
		return result(false, fmt.Sprintf("IP address %s is not on the watch-list", ipStr), ipStr), nil
	}
	delete(l.ips, ip)
	l.publish()
	return result(true, fmt.Sprintf("removed watch-list IP address: %s", ipStr), ipStr), nil
}

// AddPort adds a port to the watch-list. Port 0 is rejected.
func (l *List) AddPort(port uint16) (OperationResult, error) {
	if port == 0 {
		return OperationResult{}, fmt.Errorf("port must not be 0")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	item := fmt.Sprintf("%d", port)
	if _, ok := l.ports[port]; ok {
		return result(false, fmt.Sprintf("port %d is already on the watch-list", port), item), nil
	}
	l.ports[port] = struct{}{}
	l.publish()
	return result(true, fmt.Sprintf("added watch-list port: %d", port), item), nil
}

// RemovePort removes a port from the watch-list.
func (l *List) RemovePort(port uint16) (OperationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := fmt.Sprintf("%d", port)
	if _, ok := l.ports[port]; !ok {
		return result(false, fmt.Sprintf("port %d is not on the watch-list", port), item), nil
	}
	delete(l.ports, port)
	l.publish()
	return result(true, fmt.Sprintf("removed watch-list port: %d", port), item), nil
}

// Config returns the current configuration with IPs in dotted-quad form.
func (l *List) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := Config{
		ListenIPs:   make([]string, 0, len(l.ips)),
		ListenPorts: make([]uint16, 0, len(l.ports)),
		Interface:   l.iface,
	}
	for ip := range l.ips {
		cfg.ListenIPs = append(cfg.ListenIPs, model.IPString(ip))
	}
	for p := range l.ports {
		cfg.ListenPorts = append(cfg.ListenPorts, p)
	}
	sort.Strings(cfg.ListenIPs)
	sort.Slice(cfg.ListenPorts, func(i, j int) bool { return cfg.ListenPorts[i] < cfg.ListenPorts[j] })
	return cfg
}

func result(ok bool, msg, item string) OperationResult {
	return OperationResult{Success: ok, Message: msg, AffectedItem: &item}
}
