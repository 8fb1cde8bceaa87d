// Package txn is a small in-process transaction coordinator. A Tx travels in
// a context.Context; resources enlisted in it are committed or rolled back
// together and synchronization callbacks learn the outcome afterwards.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrTxDone   = errors.New("transaction is no longer active")
	ErrNestedTx = errors.New("transaction already active in context")
)

// Outcome is how a transaction ended.
type Outcome int

const (
	Committed Outcome = iota
	RolledBack
)

func (o Outcome) String() string {
	if o == Committed {
		return "committed"
	}
	return "rolled back"
}

// Status is the lifecycle position of a Tx.
type Status int

const (
	StatusActive Status = iota
	StatusCompleting
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleting:
		return "completing"
	case StatusCommitted:
		return "committed"
	default:
		return "rolled back"
	}
}

// Resource takes part in a transaction's two outcomes.
type Resource interface {
	Commit() error
	Rollback() error
}

// Failure reports an error raised by the coordinator or one of its
// resources while completing a transaction.
type Failure struct {
	TxID string
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("transaction %s: %s: %v", f.TxID, f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Tx is one unit of work.
type Tx struct {
	id string

	mu        sync.Mutex
	status    Status
	syncs     []func(Outcome)
	resources []Resource
	keyed     map[any]Resource
}

func newTx() *Tx {
	return &Tx{id: "txn_" + uuid.NewString(), keyed: map[any]Resource{}}
}

func (t *Tx) ID() string { return t.id }

func (t *Tx) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RegisterSync adds a callback run once the outcome is known. Callbacks run
// after every resource has been committed or rolled back, in registration
// order.
func (t *Tx) RegisterSync(fn func(Outcome)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return &Failure{TxID: t.id, Op: "register synchronization", Err: ErrTxDone}
	}
	t.syncs = append(t.syncs, fn)
	return nil
}

// Enlist adds r to the transaction.
func (t *Tx) Enlist(r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return &Failure{TxID: t.id, Op: "enlist", Err: ErrTxDone}
	}
	t.resources = append(t.resources, r)
	return nil
}

// Resource returns the resource enlisted under key, opening and enlisting
// it on first use.
func (t *Tx) Resource(key any, open func() (Resource, error)) (Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return nil, &Failure{TxID: t.id, Op: "enlist", Err: ErrTxDone}
	}
	if r, ok := t.keyed[key]; ok {
		return r, nil
	}
	r, err := open()
	if err != nil {
		return nil, err
	}
	t.keyed[key] = r
	t.resources = append(t.resources, r)
	return r, nil
}

// Commit commits every resource in enlistment order. If one fails the rest
// are rolled back and the outcome becomes RolledBack.
func (t *Tx) Commit() error {
	resources, syncs, err := t.begin()
	if err != nil {
		return err
	}
	outcome := Committed
	var failure error
	for i, r := range resources {
		if cerr := r.Commit(); cerr != nil {
			failure = &Failure{TxID: t.id, Op: "commit", Err: cerr}
			outcome = RolledBack
			for _, rest := range resources[i+1:] {
				if rerr := rest.Rollback(); rerr != nil {
					log.Warn().Err(rerr).Str("tx", t.id).Msg("rollback after failed commit")
				}
			}
			break
		}
	}
	t.finish(outcome, syncs)
	return failure
}

// Rollback rolls back every resource. All resources are attempted even if
// some fail.
func (t *Tx) Rollback() error {
	resources, syncs, err := t.begin()
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range resources {
		if rerr := r.Rollback(); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	t.finish(RolledBack, syncs)
	if len(errs) > 0 {
		return &Failure{TxID: t.id, Op: "rollback", Err: errors.Join(errs...)}
	}
	return nil
}

func (t *Tx) begin() ([]Resource, []func(Outcome), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return nil, nil, &Failure{TxID: t.id, Op: "complete", Err: ErrTxDone}
	}
	t.status = StatusCompleting
	return t.resources, t.syncs, nil
}

func (t *Tx) finish(outcome Outcome, syncs []func(Outcome)) {
	t.mu.Lock()
	if outcome == Committed {
		t.status = StatusCommitted
	} else {
		t.status = StatusRolledBack
	}
	t.mu.Unlock()

	for _, fn := range syncs {
		runSync(t.id, fn, outcome)
	}
}

func runSync(id string, fn func(Outcome), outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("tx", id).Interface("panic", r).Msg("synchronization callback panicked")
		}
	}()
	fn(outcome)
}

type ctxKey struct{}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(ctxKey{}).(*Tx)
	return tx
}

// Manager hands out transactions and moves them in and out of contexts.
type Manager struct{}

func NewManager() *Manager { return &Manager{} }

// Begin starts a transaction and returns a context carrying it. Nesting is
// not supported.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Tx, error) {
	if cur := m.Current(ctx); cur != nil {
		return ctx, nil, fmt.Errorf("%w: %s", ErrNestedTx, cur.id)
	}
	tx := newTx()
	log.Debug().Str("tx", tx.id).Msg("transaction begun")
	return context.WithValue(ctx, ctxKey{}, tx), tx, nil
}

// Current returns the active transaction carried by ctx, or nil when there
// is none or it has already completed.
func (m *Manager) Current(ctx context.Context) *Tx {
	tx := FromContext(ctx)
	if tx == nil || tx.Status() != StatusActive {
		return nil
	}
	return tx
}

// Suspend detaches the ambient transaction from ctx.
func (m *Manager) Suspend(ctx context.Context) (context.Context, *Tx) {
	tx := FromContext(ctx)
	if tx == nil {
		return ctx, nil
	}
	return context.WithValue(ctx, ctxKey{}, (*Tx)(nil)), tx
}

// Resume attaches a previously suspended transaction to ctx.
func (m *Manager) Resume(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}
