// Package election implements leader election over a hierarchical
// coordination service. Each candidate owns one ephemeral sequential token;
// the smallest token leads and every other candidate watches the token right
// before its own.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/trillian/client/backoff"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/countplus2/leader-elector/internal/coordination"
)

// ErrClosed is returned by operations on an Election that was closed.
var ErrClosed = errors.New("election closed")

// DefaultRetry paces re-runs of evaluations deferred by transient errors.
var DefaultRetry = backoff.Backoff{
	Min:    100 * time.Millisecond,
	Max:    30 * time.Second,
	Factor: 2,
	Jitter: true,
}

// State is the lifecycle state of an Election.
type State int32

const (
	// Unregistered means the election does not take part: before
	// registration, or after it stopped on an error. The token may outlive a
	// stop that was not a session loss, until Close deletes it.
	Unregistered State = iota
	// Evaluating means a token is held and the role is being (re)computed, or
	// the last computation was deferred by a transient backend error and is
	// waiting for its retry.
	Evaluating
	// Leading means the token is first in the election set.
	Leading
	// Following means a watch is armed on the predecessor token.
	Following
	// Terminated means Close was called.
	Terminated
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case Evaluating:
		return "EVALUATING"
	case Leading:
		return "LEADING"
	case Following:
		return "FOLLOWING"
	case Terminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures an Election.
type Options struct {
	// Namespace is the node under which candidates register.
	Namespace string
	// Prefix is the token name prefix. Defaults to DefaultPrefix.
	Prefix string
	// Owner identifies this process; stored as the token's data.
	Owner string
	// OnRoleChange, if set, is called on every transition between leader and
	// follower, in order, from the election's event loop. It must not block
	// for long and must not call Close or Reevaluate.
	OnRoleChange func(old, new Role)
	// Metrics, if set, receives election metrics.
	Metrics *Metrics
	// Retry paces retries of deferred evaluations. Defaults to DefaultRetry
	// when Min is not positive.
	Retry backoff.Backoff
	// KeepSession stops Close from closing the coordination session, for
	// callers sharing one session between several elections.
	KeepSession bool
}

type eventKind int

const (
	evWatchFired eventKind = iota
	evSession
	evReevaluate
	evRetry
	evClose
)

type event struct {
	kind    eventKind
	gen     uint64
	session coordination.SessionEvent
	ctx     context.Context
	reply   chan error
}

// Election is one process's participation in one election, bound to a single
// coordination session. It is created by Join and ends either with Close or
// when the session is lost, after which a new Election has to be joined on a
// new session.
type Election struct {
	svc   coordination.Service
	opts  Options
	token Token
	role  atomic.Int32

	// ctx is cancelled when the election stops.
	ctx    context.Context
	cancel context.CancelFunc

	qmu     sync.Mutex
	queue   []event
	qclosed bool
	wake    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	state  State
	err    error
	target *Token

	// Owned by the event loop.
	gen        uint64
	watch      coordination.Subscription
	sessionSub coordination.Subscription
	retry      backoff.Backoff
	retryTimer *time.Timer

	closeOnce sync.Once
	closeErr  error
}

// Join registers a new candidate in opts.Namespace over svc, computes its
// role and starts following the election. svc must be a fresh session not
// used by another Election unless opts.KeepSession is set on all of them.
//
// If registration or the first evaluation fails, Join returns an error and
// the caller should retry on a new session. The exception is a transient
// error during the first evaluation: Join succeeds and the evaluation is
// retried with backoff, or sooner on a reconnect.
func Join(ctx context.Context, svc coordination.Service, opts Options) (*Election, error) {
	if opts.Namespace == "" {
		return nil, errors.New("election namespace must be set")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Retry.Min <= 0 || opts.Retry.Max < opts.Retry.Min {
		opts.Retry = DefaultRetry
	}
	e := &Election{
		svc:   svc,
		opts:  opts,
		retry: opts.Retry,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	// Subscribe first so an expiry during registration is not missed.
	e.sessionSub = svc.OnSessionEvent(func(ev coordination.SessionEvent) {
		e.post(event{kind: evSession, session: ev})
	})

	token, err := Register(ctx, svc, opts.Namespace, opts.Prefix, opts.Owner)
	if err != nil {
		e.abort()
		return nil, err
	}
	e.token = token
	e.setState(Evaluating)

	// The first evaluation runs before the event loop starts, so nothing can
	// evaluate against a listing taken before our own token existed.
	if err := e.evaluate(ctx); err != nil {
		if !e.absorb(err) {
			e.abort()
			return nil, err
		}
	}
	go e.run()
	return e, nil
}

// abort tears down a half-constructed Election. The session is left to the
// caller.
func (e *Election) abort() {
	e.sessionSub.Cancel()
	e.cancelWatch()
	e.stopRetry()
	e.cancel()
	e.closeQueue()
	e.mu.Lock()
	e.state = Unregistered
	e.mu.Unlock()
	close(e.done)
}

// Token returns the token this election registered.
func (e *Election) Token() Token {
	return e.token
}

// CurrentRole returns the most recently computed role.
func (e *Election) CurrentRole() Role {
	return Role(e.role.Load())
}

// State returns the current lifecycle state.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// WatchTarget returns the predecessor token currently being watched.
func (e *Election) WatchTarget() (Token, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.target == nil {
		return Token{}, false
	}
	return *e.target, true
}

// Done is closed when the election stops, either through Close or because
// the session was lost or became inconsistent.
func (e *Election) Done() <-chan struct{} {
	return e.done
}

// Err returns why the election stopped. ErrClosed follows Close; any other
// error (coordination.ErrSessionLost, ErrInconsistentState or a permanent
// backend failure) means the caller must join again on a new session. Nil
// while running.
func (e *Election) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Reevaluate lists the election set again and recomputes the role, waiting
// for the result. Concurrent calls are serialized with each other and with
// watch and session notifications.
func (e *Election) Reevaluate(ctx context.Context) error {
	reply := make(chan error, 1)
	if !e.post(event{kind: evReevaluate, reply: reply}) {
		return e.stoppedErr()
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return e.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the election: the watch is cancelled, the token deleted and,
// unless KeepSession is set, the session closed, so that the successor is
// notified promptly. Close is idempotent.
func (e *Election) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		reply := make(chan error, 1)
		if e.post(event{kind: evClose, ctx: ctx, reply: reply}) {
			select {
			case e.closeErr = <-reply:
				<-e.done
				return
			case <-e.done:
				select {
				case e.closeErr = <-reply:
					return
				default:
				}
			}
		}
		// The loop had already stopped on its own. The token is still ours
		// unless the session went with it.
		e.closeErr = e.release(ctx, !errors.Is(e.Err(), coordination.ErrSessionLost))
		e.setState(Terminated)
	})
	return e.closeErr
}

func (e *Election) stoppedErr() error {
	if err := e.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// post queues ev for the event loop. Returns false if the loop has stopped.
// It never blocks, since backends may call it from their delivery goroutines.
func (e *Election) post(ev event) bool {
	e.qmu.Lock()
	if e.qclosed {
		e.qmu.Unlock()
		return false
	}
	e.queue = append(e.queue, ev)
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *Election) closeQueue() []event {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.qclosed = true
	rest := e.queue
	e.queue = nil
	return rest
}

func (e *Election) drain() []event {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	evs := e.queue
	e.queue = nil
	return evs
}

func (e *Election) run() {
	defer close(e.done)
	for range e.wake {
		evs := e.drain()
		for i, ev := range evs {
			if e.handle(ev) {
				continue
			}
			// A pending Close notices done and releases the session itself.
			for _, rest := range append(evs[i+1:], e.closeQueue()...) {
				if rest.reply != nil && rest.kind != evClose {
					rest.reply <- e.stoppedErr()
				}
			}
			return
		}
	}
}

// handle processes one event and returns false once the loop must stop.
func (e *Election) handle(ev event) bool {
	switch ev.kind {
	case evWatchFired:
		if ev.gen != e.gen || e.State() != Following {
			klog.V(2).Infof("%s: discarding stale notification for evaluation %d (current %d)", e.opts.Namespace, ev.gen, e.gen)
			e.opts.Metrics.staleNotification(e.opts.Namespace)
			return true
		}
		klog.Infof("%s: predecessor of %s changed, re-evaluating", e.opts.Namespace, e.token)
		return e.reevaluate(nil)

	case evSession:
		switch ev.session {
		case coordination.SessionExpired:
			klog.Warningf("%s: session expired, token %s is gone", e.opts.Namespace, e.token)
			e.opts.Metrics.sessionLost(e.opts.Namespace)
			e.stop(Unregistered, coordination.ErrSessionLost)
			return false
		case coordination.SessionReconnected:
			klog.Infof("%s: session reconnected, re-evaluating", e.opts.Namespace)
			return e.reevaluate(nil)
		}
		return true

	case evReevaluate:
		return e.reevaluate(ev.reply)

	case evRetry:
		if ev.gen != e.gen || e.State() != Evaluating {
			return true
		}
		klog.Infof("%s: retrying deferred evaluation", e.opts.Namespace)
		return e.reevaluate(nil)

	case evClose:
		err := e.release(ev.ctx, true)
		e.stop(Terminated, ErrClosed)
		ev.reply <- err
		return false
	}
	return true
}

// reevaluate runs one evaluation and settles its error. Returns false if the
// election had to stop.
func (e *Election) reevaluate(reply chan error) bool {
	err := e.evaluate(e.ctx)
	ok := err == nil || e.absorb(err)
	if !ok {
		e.stop(Unregistered, err)
	}
	if reply != nil {
		reply <- err
	}
	return ok
}

// absorb reports whether err leaves the election running. Only transient
// errors do: the evaluation is deferred and retried with backoff. Anything
// else stops the election.
func (e *Election) absorb(err error) bool {
	switch {
	case errors.Is(err, coordination.ErrSessionLost):
		e.opts.Metrics.sessionLost(e.opts.Namespace)
		klog.Warningf("%s: session lost during evaluation: %v", e.opts.Namespace, err)
		return false
	case errors.Is(err, ErrInconsistentState):
		e.opts.Metrics.evaluated(e.opts.Namespace, outcomeInconsistent)
		klog.Errorf("%s: coordination service lost our token while the session is alive: %v", e.opts.Namespace, err)
		return false
	case errors.Is(err, coordination.ErrTransient):
		e.opts.Metrics.evaluated(e.opts.Namespace, outcomeDeferred)
		d := e.scheduleRetry()
		klog.Warningf("%s: evaluation deferred, retrying in %v: %v", e.opts.Namespace, d, err)
		return true
	}
	e.opts.Metrics.evaluated(e.opts.Namespace, outcomeFailed)
	klog.Errorf("%s: evaluation failed: %v", e.opts.Namespace, err)
	return false
}

// scheduleRetry arms a timer that re-runs the current, deferred evaluation.
// A newer evaluation makes the timer's event stale.
func (e *Election) scheduleRetry() time.Duration {
	e.stopRetry()
	gen := e.gen
	d := e.retry.Duration()
	e.retryTimer = time.AfterFunc(d, func() {
		e.post(event{kind: evRetry, gen: gen})
	})
	return d
}

func (e *Election) stopRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// evaluate lists the election set, computes the role and arms the watch on
// the predecessor. Called only from Join (before the loop starts) and from
// the loop. The role is only updated once the whole evaluation succeeded.
func (e *Election) evaluate(ctx context.Context) error {
	e.gen++
	gen := e.gen
	e.stopRetry()
	e.cancelWatch()
	e.setState(Evaluating)

	children, err := e.svc.ListChildren(ctx, e.opts.Namespace)
	if err != nil {
		return fmt.Errorf("listing %s: %w", e.opts.Namespace, err)
	}
	d, err := Evaluate(e.token, ParseTokens(e.opts.Namespace, e.opts.Prefix, children))
	if err != nil {
		return err
	}

	if d.Role == Leader {
		e.opts.Metrics.evaluated(e.opts.Namespace, outcomeLeader)
		e.retry.Reset()
		e.setState(Leading)
		e.setRole(Leader)
		return nil
	}

	sub, err := e.svc.WatchForRemoval(ctx, d.Predecessor.Path, func(bool) {
		// The cause is not trusted: any firing means list again.
		e.post(event{kind: evWatchFired, gen: gen})
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", d.Predecessor.Path, err)
	}
	e.watch = sub
	e.retry.Reset()
	e.opts.Metrics.evaluated(e.opts.Namespace, outcomeFollower)
	e.mu.Lock()
	e.target = d.Predecessor
	e.state = Following
	e.mu.Unlock()
	klog.Infof("%s: %s follows, watching %s", e.opts.Namespace, e.token, d.Predecessor)
	e.setRole(Follower)
	return nil
}

func (e *Election) cancelWatch() {
	if e.watch != nil {
		e.watch.Cancel()
		e.watch = nil
	}
	e.mu.Lock()
	e.target = nil
	e.mu.Unlock()
}

func (e *Election) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *Election) setRole(r Role) {
	old := Role(e.role.Swap(int32(r)))
	if old == r {
		return
	}
	klog.Infof("%s: %s is now %v (was %v)", e.opts.Namespace, e.token, r, old)
	e.opts.Metrics.roleChanged(e.opts.Namespace, r)
	if e.opts.OnRoleChange != nil {
		e.opts.OnRoleChange(old, r)
	}
}

// stop ends the event loop's participation. The session itself stays open
// until Close unless it is already gone.
func (e *Election) stop(s State, err error) {
	e.cancelWatch()
	e.stopRetry()
	e.sessionSub.Cancel()
	e.setRole(Follower)
	e.cancel()
	e.mu.Lock()
	e.state = s
	e.err = err
	e.mu.Unlock()
}

// release gives up everything the election holds on the coordination
// service. holdsToken is false once the token is known to be gone.
func (e *Election) release(ctx context.Context, holdsToken bool) error {
	e.cancelWatch()
	e.sessionSub.Cancel()
	var err error
	if holdsToken {
		if derr := e.svc.Delete(ctx, e.token.Path); derr != nil && !errors.Is(derr, coordination.ErrSessionLost) {
			err = multierr.Append(err, fmt.Errorf("releasing %s: %w", e.token.Path, derr))
		}
	}
	if !e.opts.KeepSession {
		err = multierr.Append(err, e.svc.CloseSession())
	}
	klog.Infof("%s: %s left the election", e.opts.Namespace, e.token)
	return err
}
