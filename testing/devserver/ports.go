package devserver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNoFreePort = errors.New("no free port")

// PortRegistry is the set of ports this harness has handed out. It knows
// nothing about the ports other processes on the host are using.
type PortRegistry struct {
	mu    sync.Mutex
	inUse map[int]struct{}
}

func NewPortRegistry() *PortRegistry {
	return &PortRegistry{inUse: map[int]struct{}{}}
}

// Acquire reserves the first port not in use in [base, base+window). The ports
// passed over are returned as skipped. Nothing is reserved if the window is full.
func (r *PortRegistry) Acquire(base, window int) (port int, skipped []int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p := base; p < base+window; p++ {
		if _, ok := r.inUse[p]; ok {
			skipped = append(skipped, p)
			continue
		}
		r.inUse[p] = struct{}{}
		return p, skipped, nil
	}
	return 0, skipped, fmt.Errorf("%w in %d-%d", ErrNoFreePort, base, base+window-1)
}

// Reserve marks port as in use, reporting false if it already was.
func (r *PortRegistry) Reserve(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.inUse[port]; ok {
		return false
	}
	r.inUse[port] = struct{}{}
	return true
}

// Release frees port, reporting false if it was not in use.
func (r *PortRegistry) Release(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.inUse[port]; !ok {
		return false
	}
	delete(r.inUse, port)
	return true
}

func (r *PortRegistry) InUse(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.inUse[port]
	return ok
}

// Ports returns the ports in use, in ascending order.
func (r *PortRegistry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return sortedKeys(r.inUse)
}

// ProcessRegistry mirrors PortRegistry for the pids of spawned servers. It is
// bookkeeping only, the OS is the authority on whether a process is running.
type ProcessRegistry struct {
	mu   sync.Mutex
	pids map[int]struct{}
}

func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{pids: map[int]struct{}{}}
}

func (r *ProcessRegistry) Add(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pids[pid] = struct{}{}
}

// Remove forgets pid, reporting false if it was not registered.
func (r *ProcessRegistry) Remove(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pids[pid]; !ok {
		return false
	}
	delete(r.pids, pid)
	return true
}

func (r *ProcessRegistry) Has(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.pids[pid]
	return ok
}

func (r *ProcessRegistry) PIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return sortedKeys(r.pids)
}

func sortedKeys(m map[int]struct{}) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
