// Package memory is an in-process coordination service. A Server holds the
// node tree; each Session is one client session implementing
// coordination.Service. Faults (errors, expiry, reconnects, foreign
// deletions and data changes) can be injected for tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/countplus2/leader-elector/internal/coordination"
)

// ErrNoNode is returned when an operation needs a node that does not exist.
var ErrNoNode = errors.New("node does not exist")

// Op names a Session operation for error injection.
type Op string

// Injectable operations.
const (
	OpEnsureNamespace Op = "ensure_namespace"
	OpCreate          Op = "create"
	OpList            Op = "list"
	OpWatch           Op = "watch"
	OpDelete          Op = "delete"
)

type node struct {
	data  []byte
	owner *Session // nil for persistent nodes
}

// Server is the shared node tree.
type Server struct {
	mu      sync.Mutex
	nodes   map[string]*node
	seq     map[string]int64
	watches map[string]map[*watch]struct{}
}

// NewServer returns an empty Server containing only the root node.
func NewServer() *Server {
	return &Server{
		nodes:   map[string]*node{"/": {}},
		seq:     make(map[string]int64),
		watches: make(map[string]map[*watch]struct{}),
	}
}

// NewSession opens a new session against the server.
func (srv *Server) NewSession() *Session {
	s := &Session{
		srv:       srv,
		errs:      make(map[Op]error),
		listeners: make(map[*listener]struct{}),
		events:    newDispatcher(),
	}
	go s.events.run()
	return s
}

// SetSequence makes the next sequential child of parent use number n.
func (srv *Server) SetSequence(parent string, n int64) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.seq[parent] = n
}

// Children returns the sorted child names of parent.
func (srv *Server) Children(parent string) []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.childrenLocked(parent)
}

// Exists reports whether a node exists at p.
func (srv *Server) Exists(p string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_, ok := srv.nodes[p]
	return ok
}

// Data returns the data stored at p.
func (srv *Server) Data(p string) ([]byte, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	n, ok := srv.nodes[p]
	if !ok {
		return nil, false
	}
	return n.data, true
}

// Remove deletes the node at p on behalf of nobody in particular, as an
// operator would.
func (srv *Server) Remove(p string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.removeLocked(p)
}

// SetData replaces the data at p, firing watches with stillExists true.
func (srv *Server) SetData(p string, data []byte) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	n, ok := srv.nodes[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	n.data = data
	srv.fireLocked(p, true)
	return nil
}

func (srv *Server) childrenLocked(parent string) []string {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	var names []string
	for p := range srv.nodes {
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		if rest := p[len(prefix):]; !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

func (srv *Server) removeLocked(p string) {
	if _, ok := srv.nodes[p]; !ok {
		return
	}
	delete(srv.nodes, p)
	srv.fireLocked(p, false)
}

func (srv *Server) fireLocked(p string, stillExists bool) {
	for w := range srv.watches[p] {
		w.s.events.enqueue(func() {
			if w.claim() {
				w.cb(stillExists)
			}
		})
	}
	delete(srv.watches, p)
}

type watch struct {
	s  *Session
	cb func(bool)

	mu   sync.Mutex
	done bool
}

// claim returns true for the first caller only: either the firing or the
// cancellation wins.
func (w *watch) claim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}

type listener struct {
	cb func(coordination.SessionEvent)
}

// Session is a client session. It implements coordination.Service.
type Session struct {
	srv    *Server
	events *dispatcher

	mu        sync.Mutex
	lost      bool
	errs      map[Op]error
	listeners map[*listener]struct{}
}

var _ coordination.Service = (*Session)(nil)

// SetError makes every subsequent op fail with err until cleared with a nil
// err.
func (s *Session) SetError(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

// Expire invalidates the session as if its timeout elapsed: ephemeral nodes
// are removed and listeners see SessionExpired.
func (s *Session) Expire() {
	if !s.end() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		l := l
		s.events.enqueue(func() { l.cb(coordination.SessionExpired) })
	}
}

// Reconnect simulates a connection blip that did not outlive the session.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return
	}
	for l := range s.listeners {
		l := l
		s.events.enqueue(func() { l.cb(coordination.SessionReconnected) })
	}
}

// end marks the session lost and drops everything bound to it. Returns false
// if it was already lost.
func (s *Session) end() bool {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return false
	}
	s.lost = true
	s.mu.Unlock()

	srv := s.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for p, ws := range srv.watches {
		for w := range ws {
			if w.s == s {
				delete(ws, w)
			}
		}
		if len(ws) == 0 {
			delete(srv.watches, p)
		}
	}
	var owned []string
	for p, n := range srv.nodes {
		if n.owner == s {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	for _, p := range owned {
		srv.removeLocked(p)
	}
	return true
}

func (s *Session) check(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return coordination.ErrSessionLost
	}
	return s.errs[op]
}

// EnsureNamespace implements coordination.Service.
func (s *Session) EnsureNamespace(ctx context.Context, p string) error {
	if err := s.check(ctx, OpEnsureNamespace); err != nil {
		return err
	}
	srv := s.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		if _, ok := srv.nodes[cur]; !ok {
			srv.nodes[cur] = &node{}
		}
	}
	return nil
}

// CreateSequentialEphemeral implements coordination.Service.
func (s *Session) CreateSequentialEphemeral(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	if err := s.check(ctx, OpCreate); err != nil {
		return "", err
	}
	srv := s.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.nodes[parent]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoNode, parent)
	}
	n := srv.seq[parent]
	srv.seq[parent] = n + 1
	p := coordination.Join(parent, fmt.Sprintf("%s%010d", prefix, n))
	srv.nodes[p] = &node{data: data, owner: s}
	klog.V(2).Infof("memory: created %s", p)
	return p, nil
}

// ListChildren implements coordination.Service.
func (s *Session) ListChildren(ctx context.Context, parent string) ([]string, error) {
	if err := s.check(ctx, OpList); err != nil {
		return nil, err
	}
	srv := s.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.nodes[parent]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, parent)
	}
	return srv.childrenLocked(parent), nil
}

// WatchForRemoval implements coordination.Service.
func (s *Session) WatchForRemoval(ctx context.Context, p string, onFired func(stillExists bool)) (coordination.Subscription, error) {
	if err := s.check(ctx, OpWatch); err != nil {
		return nil, err
	}
	w := &watch{s: s, cb: onFired}
	srv := s.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.nodes[p]; !ok {
		s.events.enqueue(func() {
			if w.claim() {
				onFired(false)
			}
		})
	} else {
		if srv.watches[p] == nil {
			srv.watches[p] = make(map[*watch]struct{})
		}
		srv.watches[p][w] = struct{}{}
	}
	return coordination.SubscriptionFunc(func() {
		w.claim()
		srv.mu.Lock()
		defer srv.mu.Unlock()
		delete(srv.watches[p], w)
	}), nil
}

// OnSessionEvent implements coordination.Service.
func (s *Session) OnSessionEvent(cb func(coordination.SessionEvent)) coordination.Subscription {
	l := &listener{cb: cb}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
	return coordination.SubscriptionFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, l)
	})
}

// Delete implements coordination.Service.
func (s *Session) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx, OpDelete); err != nil {
		return err
	}
	s.srv.Remove(p)
	return nil
}

// CloseSession implements coordination.Service.
func (s *Session) CloseSession() error {
	s.end()
	s.events.close()
	return nil
}

// dispatcher runs callbacks one at a time in submission order, off the
// caller's goroutine.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) enqueue(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, f)
	d.cond.Signal()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Signal()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		f := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		f()
	}
}
