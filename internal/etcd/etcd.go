// Package etcd implements coordination.Service on etcd. The session is an
// etcd lease kept alive by a concurrency.Session; ephemeral nodes are keys
// attached to that lease. etcd has no sequential nodes, so the namespace key
// itself holds the next sequence number and is bumped in the same
// transaction that creates a child.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/countplus2/leader-elector/internal/coordination"
)

// DefaultDialTimeout bounds the initial connection to etcd.
const DefaultDialTimeout = 5 * time.Second

// Etcd is one lease-backed session.
type Etcd struct {
	client  *clientv3.Client
	session *concurrency.Session

	// ctx lives as long as the session is open; watches derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[*listener]struct{}
	closing   bool
}

type listener struct {
	cb func(coordination.SessionEvent)
}

var _ coordination.Service = (*Etcd)(nil)

// NewEtcd connects to endpoints and grants a lease with the given TTL in
// seconds.
func NewEtcd(endpoints []string, ttl int) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: DefaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	e := &Etcd{
		client:    cli,
		session:   sess,
		listeners: make(map[*listener]struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	go e.monitor()
	return e, nil
}

// monitor reports lease loss. etcd has no notion of a reconnect that keeps
// the lease, so SessionReconnected is never reported.
func (e *Etcd) monitor() {
	select {
	case <-e.session.Done():
	case <-e.ctx.Done():
		return
	}
	e.mu.Lock()
	closing := e.closing
	var ls []*listener
	for l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()
	if closing {
		return
	}
	klog.Warningf("etcd: lease %x expired", int64(e.session.Lease()))
	e.cancel()
	for _, l := range ls {
		l.cb(coordination.SessionExpired)
	}
}

func (e *Etcd) lost() bool {
	select {
	case <-e.session.Done():
		return true
	default:
		return false
	}
}

func (e *Etcd) classify(err error) error {
	if err == nil {
		return nil
	}
	if e.lost() {
		return fmt.Errorf("%w: %v", coordination.ErrSessionLost, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", coordination.ErrTransient, err)
}

// childPrefix is the key prefix of parent's direct children.
func childPrefix(parent string) string {
	return strings.TrimSuffix(parent, "/") + "/"
}

// childName returns the child of parent named by key, or "" if key is not a
// direct child.
func childName(parent, key string) string {
	rest, ok := strings.CutPrefix(key, childPrefix(parent))
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// sequenceName formats the n-th child name, as ZooKeeper does.
func sequenceName(prefix string, n int64) string {
	return fmt.Sprintf("%s%010d", prefix, n)
}

// EnsureNamespace creates the namespace key, and those of its ancestors,
// if absent.
func (e *Etcd) EnsureNamespace(ctx context.Context, p string) error {
	if e.lost() {
		return coordination.ErrSessionLost
	}
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		_, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(cur), "=", 0)).
			Then(clientv3.OpPut(cur, "0")).
			Commit()
		if err != nil {
			return e.classify(err)
		}
	}
	return nil
}

// CreateSequentialEphemeral implements coordination.Service.
func (e *Etcd) CreateSequentialEphemeral(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	if e.lost() {
		return "", coordination.ErrSessionLost
	}
	for {
		resp, err := e.client.Get(ctx, parent)
		if err != nil {
			return "", e.classify(err)
		}
		if len(resp.Kvs) == 0 {
			return "", fmt.Errorf("namespace %s does not exist", parent)
		}
		kv := resp.Kvs[0]
		n, err := strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil {
			return "", fmt.Errorf("namespace %s holds %q, not a sequence number", parent, kv.Value)
		}
		p := childPrefix(parent) + sequenceName(prefix, n)
		txn, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(parent), "=", kv.ModRevision)).
			Then(
				clientv3.OpPut(parent, strconv.FormatInt(n+1, 10)),
				clientv3.OpPut(p, string(data), clientv3.WithLease(e.session.Lease())),
			).
			Commit()
		if err != nil {
			return "", e.classify(err)
		}
		if txn.Succeeded {
			return p, nil
		}
		klog.V(2).Infof("etcd: sequence of %s moved on, retrying", parent)
	}
}

// ListChildren implements coordination.Service.
func (e *Etcd) ListChildren(ctx context.Context, parent string) ([]string, error) {
	if e.lost() {
		return nil, coordination.ErrSessionLost
	}
	resp, err := e.client.Get(ctx, childPrefix(parent), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, e.classify(err)
	}
	var names []string
	for _, kv := range resp.Kvs {
		if name := childName(parent, string(kv.Key)); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

type watchSub struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	live   bool
}

func (w *watchSub) claim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok := w.live
	w.live = false
	return ok
}

func (w *watchSub) Cancel() {
	w.claim()
	w.cancel()
}

// WatchForRemoval implements coordination.Service. The watch starts right
// after the revision at which the key was seen, so no change is missed.
func (e *Etcd) WatchForRemoval(ctx context.Context, p string, onFired func(stillExists bool)) (coordination.Subscription, error) {
	if e.lost() {
		return nil, coordination.ErrSessionLost
	}
	resp, err := e.client.Get(ctx, p)
	if err != nil {
		return nil, e.classify(err)
	}
	wctx, cancel := context.WithCancel(e.ctx)
	sub := &watchSub{cancel: cancel, live: true}
	if len(resp.Kvs) == 0 {
		go func() {
			defer cancel()
			if sub.claim() {
				onFired(false)
			}
		}()
		return sub, nil
	}
	wch := e.client.Watch(clientv3.WithRequireLeader(wctx), p, clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		defer cancel()
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				klog.Warningf("etcd: watch on %s failed: %v", p, err)
				break
			}
			if len(wresp.Events) == 0 {
				continue
			}
			if sub.claim() {
				onFired(wresp.Events[0].Type != clientv3.EventTypeDelete)
			}
			return
		}
		// The watch broke without an event; let the caller look again unless
		// it went away on purpose.
		if wctx.Err() == nil && sub.claim() {
			onFired(true)
		}
	}()
	return sub, nil
}

// OnSessionEvent implements coordination.Service.
func (e *Etcd) OnSessionEvent(cb func(coordination.SessionEvent)) coordination.Subscription {
	l := &listener{cb: cb}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[l] = struct{}{}
	return coordination.SubscriptionFunc(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, l)
	})
}

// Delete implements coordination.Service.
func (e *Etcd) Delete(ctx context.Context, p string) error {
	if _, err := e.client.Delete(ctx, p); err != nil {
		return e.classify(err)
	}
	return nil
}

// CloseSession revokes the lease, deleting every key attached to it, and
// closes the client.
func (e *Etcd) CloseSession() error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	e.mu.Unlock()
	e.cancel()
	return multierr.Append(e.session.Close(), e.client.Close())
}
