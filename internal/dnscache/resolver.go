package dnscache

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// forwardResult is one completed name->address resolution, posted by a
// worker goroutine onto the completions channel and applied to the cache
// by Drain on the owning goroutine.
type forwardResult struct {
	name string
	ips  []net.IP
	err  error
}

type reverseResult struct {
	ip   string
	name string
	err  error
}

// Resolver performs forward and reverse hostname lookups, deduplicating
// concurrent requests for the same key: a name already being resolved
// has its pending state tracked in a waiter-callback map, so a second
// caller attaches its callback to the first request's waiter list
// instead of issuing a second lookup. Results cross from the worker
// goroutine pool back to the owning goroutine over a buffered channel,
// applied by Drain.
type Resolver struct {
	logger      *slog.Logger
	netResolver *net.Resolver

	forward *ttlCache[string, []net.IP]
	reverse *ttlCache[string, string]

	mu             sync.Mutex
	pendingForward map[string][]func([]net.IP, error)
	pendingReverse map[string][]func(string, error)

	forwardDone chan forwardResult
	reverseDone chan reverseResult

	sem chan struct{}
}

// New creates a Resolver. workers <= 0 auto-sizes the worker pool from
// the host's CPU count via gopsutil.
func New(logger *slog.Logger, workers int, netResolver *net.Resolver) *Resolver {
	if workers <= 0 {
		workers = autoWorkerCount()
	}
	if netResolver == nil {
		netResolver = net.DefaultResolver
	}
	return &Resolver{
		logger:         logger,
		netResolver:    netResolver,
		forward:        newTTLCache[string, []net.IP](ForwardTTL, 4096),
		reverse:        newTTLCache[string, string](ReverseTTL, 4096),
		pendingForward: make(map[string][]func([]net.IP, error)),
		pendingReverse: make(map[string][]func(string, error)),
		forwardDone:    make(chan forwardResult, 256),
		reverseDone:    make(chan reverseResult, 256),
		sem:            make(chan struct{}, workers),
	}
}

func autoWorkerCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// LookupHost resolves name to its addresses, invoking cb exactly once.
// cb may fire synchronously (cache hit) or asynchronously from Drain
// (cache miss), never from the worker goroutine itself.
func (r *Resolver) LookupHost(name string, cb func([]net.IP, error)) {
	key := strings.ToLower(name)

	if ips, ok := r.forward.Get(key); ok {
		cb(ips, nil)
		return
	}

	r.mu.Lock()
	waiters, inFlight := r.pendingForward[key]
	r.pendingForward[key] = append(waiters, cb)
	r.mu.Unlock()
	if inFlight {
		return
	}

	go r.resolveForward(key)
}

func (r *Resolver) resolveForward(name string) {
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ips, err := r.netResolver.LookupIP(ctx, "ip", name)

	r.forwardDone <- forwardResult{name: name, ips: ips, err: err}
}

// LookupAddr resolves ip to a hostname, invoking cb exactly once, with
// the same in-flight dedup as LookupHost.
func (r *Resolver) LookupAddr(ip string, cb func(string, error)) {
	if name, ok := r.reverse.Get(ip); ok {
		cb(name, nil)
		return
	}

	r.mu.Lock()
	waiters, inFlight := r.pendingReverse[ip]
	r.pendingReverse[ip] = append(waiters, cb)
	r.mu.Unlock()
	if inFlight {
		return
	}

	go r.resolveReverse(ip)
}

func (r *Resolver) resolveReverse(ip string) {
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	names, err := r.netResolver.LookupAddr(ctx, ip)

	var name string
	if err == nil && len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
	}
	r.reverseDone <- reverseResult{ip: ip, name: name, err: err}
}

// Drain applies every completed resolution since the last call, updating
// the cache and firing waiter callbacks. Call once per reactor tick from
// the goroutine that owns the reactor — the same "drain before Process"
// placement as dispatch.Dispatcher.Drain.
func (r *Resolver) Drain() {
	r.drainForward()
	r.drainReverse()
}

func (r *Resolver) drainForward() {
	for {
		select {
		case res := <-r.forwardDone:
			r.applyForward(res)
		default:
			return
		}
	}
}

func (r *Resolver) drainReverse() {
	for {
		select {
		case res := <-r.reverseDone:
			r.applyReverse(res)
		default:
			return
		}
	}
}

func (r *Resolver) applyForward(res forwardResult) {
	r.mu.Lock()
	waiters := r.pendingForward[res.name]
	delete(r.pendingForward, res.name)
	r.mu.Unlock()

	if res.err == nil {
		r.forward.Set(res.name, res.ips)
	} else if r.logger != nil {
		r.logger.Warn("forward lookup failed", "name", res.name, "error", res.err)
	}

	for _, cb := range waiters {
		cb(res.ips, res.err)
	}
}

func (r *Resolver) applyReverse(res reverseResult) {
	r.mu.Lock()
	waiters := r.pendingReverse[res.ip]
	delete(r.pendingReverse, res.ip)
	r.mu.Unlock()

	if res.err == nil {
		r.reverse.Set(res.ip, res.name)
	} else if r.logger != nil {
		r.logger.Warn("reverse lookup failed", "ip", res.ip, "error", res.err)
	}

	for _, cb := range waiters {
		cb(res.name, res.err)
	}
}
