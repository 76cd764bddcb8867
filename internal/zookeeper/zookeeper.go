// Package zookeeper implements coordination.Service on ZooKeeper.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"k8s.io/klog/v2"

	"github.com/countplus2/leader-elector/internal/coordination"
)

const (
	// DefaultSessionTimeout is how long the session, and so our ephemeral
	// nodes, survive after losing the connection.
	DefaultSessionTimeout = 5 * time.Second

	// DefaultAddress is the usual local ZooKeeper address.
	DefaultAddress = "localhost:2181"
)

type listener struct {
	cb func(coordination.SessionEvent)
}

// Zookeeper is one ZooKeeper session.
type Zookeeper struct {
	// Connection to zookeeper server.
	zkClient *zk.Conn

	// Channel to receive events from keeper.
	eventChan <-chan zk.Event

	// Closed when the session is closed by us.
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	listeners    map[*listener]struct{}
	disconnected bool
	expired      bool
}

var _ coordination.Service = (*Zookeeper)(nil)

// NewZookeeper connects to servers and starts a session.
func NewZookeeper(servers []string, sessionTimeout time.Duration) (*Zookeeper, error) {
	zkpr := newZookeeper()
	var err error
	zkpr.zkClient, zkpr.eventChan, err = zk.Connect(servers, sessionTimeout,
		zk.WithLogger(zkLogger{}), zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connecting to zookeeper %v: %w", servers, err)
	}
	go zkpr.eventHandler()
	return zkpr, nil
}

func newZookeeper() *Zookeeper {
	return &Zookeeper{
		closed:    make(chan struct{}),
		listeners: make(map[*listener]struct{}),
	}
}

// zkLogger routes the client's own logging into klog.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...interface{}) {
	klog.V(1).Infof("zk: "+format, args...)
}

func (zkpr *Zookeeper) eventHandler() {
	for {
		select {
		case event, ok := <-zkpr.eventChan:
			if !ok {
				return
			}
			zkpr.handleEvent(event)
		case <-zkpr.closed:
			return
		}
	}
}

// handleEvent turns connection state changes into session events. A session
// that expired stays expired even though the client reconnects with a new
// one: our ephemeral nodes did not survive.
func (zkpr *Zookeeper) handleEvent(event zk.Event) {
	if event.Type != zk.EventSession {
		return
	}
	var notify coordination.SessionEvent
	zkpr.mu.Lock()
	switch event.State {
	case zk.StateHasSession:
		klog.V(1).Infof("zk: session established with %s", event.Server)
		if zkpr.disconnected && !zkpr.expired {
			notify = coordination.SessionReconnected
		}
		zkpr.disconnected = false

	case zk.StateDisconnected:
		klog.Warningf("zk: disconnected from %s", event.Server)
		zkpr.disconnected = true

	case zk.StateExpired:
		if !zkpr.expired {
			klog.Warning("zk: session expired")
			zkpr.expired = true
			notify = coordination.SessionExpired
		}
	}
	var ls []*listener
	if notify != 0 {
		for l := range zkpr.listeners {
			ls = append(ls, l)
		}
	}
	zkpr.mu.Unlock()

	for _, l := range ls {
		l.cb(notify)
	}
}

// classify maps client errors onto the coordination error taxonomy.
func (zkpr *Zookeeper) classify(err error) error {
	if err == nil {
		return nil
	}
	zkpr.mu.Lock()
	expired := zkpr.expired
	zkpr.mu.Unlock()
	switch {
	case expired, errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %v", coordination.ErrSessionLost, err)
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrSessionMoved):
		return fmt.Errorf("%w: %v", coordination.ErrTransient, err)
	}
	return err
}

// EnsureNamespace creates every missing node along p.
func (zkpr *Zookeeper) EnsureNamespace(ctx context.Context, p string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cur += "/" + part
		_, err := zkpr.zkClient.Create(cur, []byte{}, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return zkpr.classify(err)
		}
	}
	return nil
}

// CreateSequentialEphemeral creates an ephemeral znode and returns its path.
func (zkpr *Zookeeper) CreateSequentialEphemeral(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	znodePath, err := zkpr.zkClient.Create(coordination.Join(parent, prefix), data,
		zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", zkpr.classify(err)
	}
	return znodePath, nil
}

// ListChildren implements coordination.Service.
func (zkpr *Zookeeper) ListChildren(ctx context.Context, parent string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := zkpr.zkClient.Children(parent)
	if err != nil {
		return nil, zkpr.classify(err)
	}
	return children, nil
}

type watchSub struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	live bool
}

func (w *watchSub) Cancel() {
	w.once.Do(func() { close(w.done) })
	w.claim()
}

func (w *watchSub) claim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok := w.live
	w.live = false
	return ok
}

// WatchForRemoval implements coordination.Service using ExistsW. Data
// changes fire the watch too; a node that is already gone fires at once.
func (zkpr *Zookeeper) WatchForRemoval(ctx context.Context, p string, onFired func(stillExists bool)) (coordination.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exists, _, ch, err := zkpr.zkClient.ExistsW(p)
	if err != nil {
		return nil, zkpr.classify(err)
	}
	sub := &watchSub{done: make(chan struct{}), live: true}
	if !exists {
		go func() {
			if sub.claim() {
				onFired(false)
			}
		}()
		return sub, nil
	}
	go func() {
		select {
		case ev := <-ch:
			if ev.Type == zk.EventNotWatching {
				// The session went away; the session listener reports it.
				return
			}
			if sub.claim() {
				onFired(ev.Type != zk.EventNodeDeleted)
			}
		case <-sub.done:
		case <-zkpr.closed:
		}
	}()
	return sub, nil
}

// OnSessionEvent implements coordination.Service.
func (zkpr *Zookeeper) OnSessionEvent(cb func(coordination.SessionEvent)) coordination.Subscription {
	l := &listener{cb: cb}
	zkpr.mu.Lock()
	defer zkpr.mu.Unlock()
	zkpr.listeners[l] = struct{}{}
	return coordination.SubscriptionFunc(func() {
		zkpr.mu.Lock()
		defer zkpr.mu.Unlock()
		delete(zkpr.listeners, l)
	})
}

// Delete implements coordination.Service.
func (zkpr *Zookeeper) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := zkpr.zkClient.Delete(p, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return zkpr.classify(err)
	}
	return nil
}

// CloseSession closes the connection, which ends the session and removes
// its ephemeral nodes.
func (zkpr *Zookeeper) CloseSession() error {
	zkpr.closeOnce.Do(func() {
		close(zkpr.closed)
		if zkpr.zkClient != nil {
			zkpr.zkClient.Close()
		}
	})
	return nil
}
