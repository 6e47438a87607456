package proc

import "sync"

// / Registry maps a pid to its live *Proc_t, letting syscall bridges
// / that take a target_pid argument (vmexchange, vmlend_shared,
// / vmlend_mut) resolve it to the process object the core's ownership
// / and borrow tables actually key on.
type Registry struct {
	mu  sync.Mutex
	all map[int64]*Proc_t
}

// / NewRegistry returns an empty process registry.
func NewRegistry() *Registry {
	return &Registry{all: make(map[int64]*Proc_t)}
}

// / Add records p under its pid.
func (r *Registry) Add(p *Proc_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[p.Pid] = p
}

// / Remove drops pid from the registry, called once its Cleanup has run.
func (r *Registry) Remove(pid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.all, pid)
}

// / Find returns the live process for pid, or nil.
func (r *Registry) Find(pid int64) *Proc_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all[pid]
}
