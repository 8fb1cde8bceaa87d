package timer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"timerflow/internal/domain"
	"timerflow/internal/schedule"
	"timerflow/internal/store"
	"timerflow/internal/txn"
	"timerflow/internal/worker"
)

// Invoker delivers a firing to the timed callback. It runs inside the
// firing's transaction; a returned error or panic rolls it back.
type Invoker interface {
	Invoke(ctx context.Context, info Info) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, info Info) error

func (f InvokerFunc) Invoke(ctx context.Context, info Info) error { return f(ctx, info) }

// Store is the durable side of the service.
type Store interface {
	Persist(ctx context.Context, rec domain.TimerRecord) error
	Merge(ctx context.Context, rec domain.TimerRecord) error
	Query(ctx context.Context, owner string, excluded ...domain.State) ([]domain.TimerRecord, error)
	Get(ctx context.Context, id string) (domain.TimerRecord, error)
}

// Coordinator is the transaction manager as seen by the service.
type Coordinator interface {
	Begin(ctx context.Context) (context.Context, *txn.Tx, error)
	Current(ctx context.Context) *txn.Tx
	Suspend(ctx context.Context) (context.Context, *txn.Tx)
}

type Options struct {
	// Owner scopes every timer the service creates or restores.
	Owner   string
	Store   Store
	Tx      Coordinator
	Queue   *worker.Queue
	Invoker Invoker
	// Retry defaults to a single immediate redelivery.
	Retry RetryPolicy
	Now   func() time.Time
}

// Service owns the live timers of one owner.
type Service struct {
	owner   string
	store   Store
	tx      Coordinator
	queue   *worker.Queue
	invoker Invoker
	retry   RetryPolicy
	now     func() time.Time
	log     zerolog.Logger

	mu     sync.Mutex
	timers map[string]*Timer
	closed bool
}

func NewService(opts Options) (*Service, error) {
	if opts.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if opts.Store == nil || opts.Queue == nil || opts.Invoker == nil {
		return nil, fmt.Errorf("%w: store, queue and invoker are required", ErrInvalidArgument)
	}
	if opts.Tx == nil {
		opts.Tx = txn.NewManager()
	}
	if opts.Retry == nil {
		opts.Retry = RetryOnce{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		owner:   opts.Owner,
		store:   opts.Store,
		tx:      opts.Tx,
		queue:   opts.Queue,
		invoker: opts.Invoker,
		retry:   opts.Retry,
		now:     opts.Now,
		log:     log.With().Str("component", "timer").Str("owner", opts.Owner).Logger(),
		timers:  map[string]*Timer{},
	}, nil
}

// CreateCalendarTimer creates a timer that fires on every instant matching
// expr. It is rejected when expr never matches from now on.
func (s *Service) CreateCalendarTimer(ctx context.Context, expr schedule.Expression, cfg Config) (Info, error) {
	return s.createCalendar(ctx, expr, cfg, "")
}

func (s *Service) createCalendar(ctx context.Context, expr schedule.Expression, cfg Config, autoName string) (Info, error) {
	sched, err := schedule.New(expr)
	if err != nil {
		return Info{}, err
	}
	first, ok := s.firstTimeout(sched)
	if !ok {
		return Info{}, fmt.Errorf("%w: schedule %q has no future timeout", ErrInvalidArgument, sched.String())
	}
	t := s.newTimer(cfg)
	t.autoName = autoName
	t.sched = sched
	t.initial, t.next = first, first
	return s.create(ctx, t)
}

func (s *Service) firstTimeout(sched *schedule.Schedule) (time.Time, bool) {
	now := s.now()
	first, ok := sched.FirstTimeout(now)
	if ok && first.Before(now) {
		return sched.NextTimeout(now.Add(-time.Nanosecond))
	}
	return first, ok
}

// CreateSingleActionTimer creates a timer that fires once after delay.
func (s *Service) CreateSingleActionTimer(ctx context.Context, delay time.Duration, cfg Config) (Info, error) {
	if delay < 0 {
		return Info{}, fmt.Errorf("%w: negative delay %s", ErrInvalidArgument, delay)
	}
	t := s.newTimer(cfg)
	t.initial = s.now().Add(delay)
	t.next = t.initial
	return s.create(ctx, t)
}

// CreateIntervalTimer creates a timer that fires at initial and then every
// interval. A zero interval fires once.
func (s *Service) CreateIntervalTimer(ctx context.Context, initial time.Time, interval time.Duration, cfg Config) (Info, error) {
	if initial.IsZero() {
		return Info{}, fmt.Errorf("%w: initial expiration is required", ErrInvalidArgument)
	}
	if interval < 0 {
		return Info{}, fmt.Errorf("%w: negative interval %s", ErrInvalidArgument, interval)
	}
	t := s.newTimer(cfg)
	t.initial, t.next, t.interval = initial, initial, interval
	return s.create(ctx, t)
}

// AutoTimer describes a calendar timer the service keeps exactly one of per
// name, surviving restarts.
type AutoTimer struct {
	Name     string
	Schedule schedule.Expression
	Payload  []byte
}

// ScheduleAuto ensures the auto timer a.Name exists with a's schedule and
// payload. A live timer that already matches is returned unchanged; one that
// differs is canceled and replaced.
func (s *Service) ScheduleAuto(ctx context.Context, a AutoTimer) (Info, error) {
	if a.Name == "" {
		return Info{}, fmt.Errorf("%w: auto timer name is required", ErrInvalidArgument)
	}
	want := a.Schedule.WithDefaults().String()
	if t := s.findAuto(a.Name); t != nil {
		t.mu.Lock()
		same := t.sched != nil && t.sched.String() == want && slices.Equal(t.payload, a.Payload)
		info := t.info()
		t.mu.Unlock()
		if same {
			return info, nil
		}
		if err := s.Cancel(ctx, info.ID); err != nil && !errors.Is(err, ErrNoSuchTimer) {
			return Info{}, err
		}
		s.log.Info().Str("auto", a.Name).Str("id", info.ID).Msg("auto timer replaced")
	}
	return s.createCalendar(ctx, a.Schedule, Config{Payload: a.Payload, Persistent: true}, a.Name)
}

func (s *Service) findAuto(name string) *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		if t.autoName == name {
			return t
		}
	}
	return nil
}

func (s *Service) newTimer(cfg Config) *Timer {
	return &Timer{
		id:         "tmr_" + uuid.NewString(),
		owner:      s.owner,
		state:      domain.Created,
		payload:    slices.Clone(cfg.Payload),
		persistent: cfg.Persistent,
	}
}

func (s *Service) create(ctx context.Context, t *Timer) (Info, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Info{}, ErrClosed
	}

	tx := s.tx.Current(ctx)
	ev := Start
	if tx != nil {
		ev = StartInTx
	}
	step, err := Transition(domain.Created, ev, false)
	if err != nil {
		return Info{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = step.To
	if t.persistent && step.Effects.Has(Persist) {
		if err := s.store.Persist(ctx, t.record()); err != nil {
			return Info{}, fmt.Errorf("persist timer %s: %w", t.id, err)
		}
	}
	if tx != nil {
		if err := tx.RegisterSync(func(o txn.Outcome) { s.completeStart(t, o) }); err != nil {
			return Info{}, err
		}
	}
	s.register(t)
	if step.Effects.Has(Arm) {
		s.arm(t)
	}
	s.log.Info().Str("id", t.id).Stringer("state", t.state).Time("next", t.next).Msg("timer created")
	return t.info(), nil
}

// Cancel stops all future firings of the timer. Inside a transaction the
// cancellation takes effect when it commits.
func (s *Service) Cancel(ctx context.Context, id string) error {
	t, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTimer, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tx := s.tx.Current(ctx)
	ev := Cancel
	if tx != nil {
		ev = CancelInTx
	}
	from := t.state
	step, err := Transition(from, ev, false)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if step.To == domain.CanceledInTx {
		if err := tx.RegisterSync(func(o txn.Outcome) { s.completeCancel(t, o) }); err != nil {
			return err
		}
	}
	if t.persistent && step.Effects.Has(Persist) {
		rec := t.record()
		rec.State = step.To
		if step.To.Terminal() {
			rec.Next = nil
		}
		if err := s.store.Merge(ctx, rec); err != nil {
			return fmt.Errorf("persist timer %s: %w", id, err)
		}
	}
	if step.To == domain.CanceledInTx {
		t.resume = from
	}
	s.apply(ctx, t, Step{To: step.To, Effects: step.Effects &^ Persist})
	s.log.Info().Str("id", id).Stringer("from", from).Stringer("state", t.state).Msg("timer canceled")
	return nil
}

// completeStart settles a creation made inside a transaction.
func (s *Service) completeStart(t *Timer, o txn.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.StartedInTx {
		return
	}
	step, _ := Complete(domain.StartedInTx, o, false)
	s.apply(context.Background(), t, step)
}

// completeCancel settles a cancellation made inside a transaction. A
// rollback puts the timer back where the cancellation found it, which may
// be an unfinished firing.
func (s *Service) completeCancel(t *Timer, o txn.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.CanceledInTx {
		return
	}
	ctx := context.Background()
	step, _ := Complete(domain.CanceledInTx, o, false)
	if o == txn.Committed || t.resume == domain.Active {
		s.apply(ctx, t, step)
		return
	}
	switch t.resume {
	case domain.Expired:
		s.apply(ctx, t, Step{To: domain.Expired, Effects: Remove | Persist})
	case domain.RetryTimeout:
		t.state = domain.RetryTimeout
		if !t.inflight {
			s.scheduleRetry(t)
		}
		s.persist(ctx, t)
	default:
		t.state = t.resume
		s.persist(ctx, t)
	}
}

// completeFiring settles the transaction a firing was delivered in.
func (s *Service) completeFiring(t *Timer, o txn.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = false
	ctx := context.Background()

	from := t.state
	if from == domain.CanceledInTx {
		from = t.resume
	}
	if from != domain.InTimeout && from != domain.RetryTimeout {
		s.log.Debug().Str("id", t.id).Stringer("state", t.state).Stringer("outcome", o).Msg("firing outcome ignored")
		return
	}
	step, err := Complete(from, o, t.recurring())
	if err != nil {
		s.log.Error().Err(err).Str("id", t.id).Msg("firing outcome")
		return
	}

	if step.To == domain.RetryTimeout {
		t.failures++
		if _, ok := s.retry.Delay(t.info(), t.failures); ok {
			s.log.Warn().Str("id", t.id).Int("failures", t.failures).Time("scheduled", t.firing).Msg("firing rolled back, retry scheduled")
			if t.state == domain.CanceledInTx {
				t.resume = domain.RetryTimeout
			} else {
				t.state = domain.RetryTimeout
				s.scheduleRetry(t)
			}
			s.persist(ctx, t)
			return
		}
		s.log.Warn().Str("id", t.id).Int("failures", t.failures).Time("scheduled", t.firing).Msg("firing rolled back, retry declined")
		step, _ = Transition(domain.RetryTimeout, Rollback, t.recurring())
	} else if o == txn.Committed {
		t.failures = 0
	} else {
		t.failures++
		s.log.Warn().Str("id", t.id).Int("failures", t.failures).Time("scheduled", t.firing).Msg("retried firing rolled back, moving on")
	}

	t.previous, t.next = t.firing, t.pending
	t.firing, t.pending = time.Time{}, time.Time{}
	if t.state == domain.CanceledInTx {
		t.resume = step.To
		s.persist(ctx, t)
		return
	}
	s.apply(ctx, t, step)
}

// apply performs step's effects. t.mu must be held.
func (s *Service) apply(ctx context.Context, t *Timer, step Step) {
	if step.Effects.Has(Disarm) || step.Effects.Has(Remove) {
		t.disarm()
	}
	t.state = step.To
	if step.To.Terminal() {
		t.next = time.Time{}
	}
	if step.Effects.Has(Remove) {
		s.unregister(t.id)
	}
	if step.Effects.Has(Arm) {
		s.arm(t)
	}
	if step.Effects.Has(Persist) {
		s.persist(ctx, t)
	}
	if step.To == domain.Expired {
		s.log.Info().Str("id", t.id).Msg("timer expired")
	}
}

func (s *Service) persist(ctx context.Context, t *Timer) {
	if !t.persistent {
		return
	}
	if err := s.store.Merge(ctx, t.record()); err != nil {
		s.log.Error().Err(err).Str("id", t.id).Stringer("state", t.state).Msg("persist timer")
	}
}

// arm schedules the firing at t.next. Missed instants fire immediately.
func (s *Service) arm(t *Timer) {
	t.disarm()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || t.next.IsZero() {
		return
	}
	delay := t.next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	armed := t.armed
	t.task = s.queue.Schedule(delay, func(ctx context.Context) { s.fire(ctx, t, armed) })
}

func (s *Service) scheduleRetry(t *Timer) {
	t.disarm()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	delay, _ := s.retry.Delay(t.info(), t.failures)
	armed := t.armed
	t.task = s.queue.Schedule(delay, func(ctx context.Context) { s.redeliver(ctx, t, armed) })
}

func (s *Service) fire(ctx context.Context, t *Timer, armed uint64) {
	t.mu.Lock()
	if t.state != domain.Active || t.armed != armed {
		t.mu.Unlock()
		return
	}
	t.task = nil
	step, _ := Transition(domain.Active, Fire, false)
	t.state = step.To
	t.firing = t.next
	t.pending = t.following(t.firing, s.now())
	t.inflight = true
	s.persist(ctx, t)
	info := t.info()
	t.mu.Unlock()

	s.deliver(ctx, t, info)
}

func (s *Service) redeliver(ctx context.Context, t *Timer, armed uint64) {
	t.mu.Lock()
	if t.state != domain.RetryTimeout || t.armed != armed {
		t.mu.Unlock()
		return
	}
	t.task = nil
	t.inflight = true
	info := t.info()
	t.mu.Unlock()

	s.deliver(ctx, t, info)
}

// deliver invokes the callback inside a new transaction. The next firing
// is written in the same transaction; re-arming waits for its outcome.
func (s *Service) deliver(ctx context.Context, t *Timer, info Info) {
	tctx, tx, err := s.tx.Begin(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("id", info.ID).Msg("begin firing transaction")
		s.completeFiring(t, txn.RolledBack)
		return
	}
	if err := tx.RegisterSync(func(o txn.Outcome) { s.completeFiring(t, o) }); err != nil {
		s.log.Error().Err(err).Str("id", info.ID).Msg("register firing synchronization")
		_ = tx.Rollback()
		s.completeFiring(t, txn.RolledBack)
		return
	}

	err = s.invoke(tctx, info)
	if err == nil {
		err = s.persistFiring(tctx, t)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("id", info.ID).Time("scheduled", info.Scheduled).Msg("timeout callback failed")
		if rerr := tx.Rollback(); rerr != nil {
			s.log.Error().Err(rerr).Str("id", info.ID).Msg("roll back firing")
		}
		return
	}
	if cerr := tx.Commit(); cerr != nil {
		s.log.Error().Err(cerr).Str("id", info.ID).Msg("commit firing")
	}
}

func (s *Service) invoke(ctx context.Context, info Info) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("timeout callback panicked: %v", r)
		}
	}()
	return s.invoker.Invoke(ctx, info)
}

// persistFiring writes the advanced schedule within the firing's
// transaction.
func (s *Service) persistFiring(ctx context.Context, t *Timer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.persistent || t.state.Terminal() {
		return nil
	}
	rec := t.record()
	rec.Previous, rec.Next = timePtr(t.firing), timePtr(t.pending)
	if err := s.store.Merge(ctx, rec); err != nil {
		return fmt.Errorf("persist firing of %s: %w", t.id, err)
	}
	return nil
}

// Restore re-arms every persisted, non-terminal timer of the owner. Timers
// keep the next firing they were persisted with; instants missed while the
// process was down fire immediately.
func (s *Service) Restore(ctx context.Context) (int, error) {
	ctx, _ = s.tx.Suspend(ctx)
	recs, err := s.store.Query(ctx, s.owner, domain.Canceled, domain.Expired)
	if err != nil {
		return 0, fmt.Errorf("query timers: %w", err)
	}
	restored := 0
	for _, rec := range recs {
		if _, ok := s.lookup(rec.ID); ok {
			continue
		}
		t, err := fromRecord(rec)
		if err != nil {
			s.log.Error().Err(err).Str("id", rec.ID).Msg("restore timer")
			continue
		}
		if s.restore(ctx, t) {
			restored++
		}
	}
	s.log.Info().Int("restored", restored).Int("found", len(recs)).Msg("timers restored")
	return restored, nil
}

func (s *Service) restore(ctx context.Context, t *Timer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A durable CANCELED_IN_TX means the canceling transaction committed.
	if t.state == domain.CanceledInTx {
		t.state, t.next = domain.Canceled, time.Time{}
		s.persist(ctx, t)
		return false
	}
	if t.next.IsZero() {
		switch {
		case t.sched != nil:
			t.next, _ = s.firstTimeout(t.sched)
		case t.previous.IsZero():
			t.next = t.initial
		case t.interval > 0:
			t.next = t.following(t.previous, s.now())
		}
	}
	if t.next.IsZero() {
		t.state = domain.Expired
		s.persist(ctx, t)
		return false
	}

	step, _ := Transition(domain.Created, Start, false)
	s.register(t)
	s.apply(ctx, t, step)
	return true
}

// Get returns the timer, falling back to its stored record once it is no
// longer live.
func (s *Service) Get(ctx context.Context, id string) (Info, error) {
	if t, ok := s.lookup(id); ok {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.info(), nil
	}
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.Owner != s.owner) {
		return Info{}, fmt.Errorf("%w: %s", ErrNoSuchTimer, id)
	}
	if err != nil {
		return Info{}, err
	}
	t, err := fromRecord(rec)
	if err != nil {
		return Info{}, err
	}
	return t.info(), nil
}

// List returns the live timers ordered by next firing.
func (s *Service) List() []Info {
	s.mu.Lock()
	timers := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		timers = append(timers, t)
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(timers))
	for _, t := range timers {
		t.mu.Lock()
		out = append(out, t.info())
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NextTimeout returns the timer's next firing. While a firing is in
// progress this is the firing after it. The second result is false when
// the timer will not fire again.
func (s *Service) NextTimeout(id string) (time.Time, bool, error) {
	t, ok := s.lookup(id)
	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrNoSuchTimer, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.info().Next
	return next, !next.IsZero(), nil
}

// TimeRemaining is the time left until NextTimeout, never negative.
func (s *Service) TimeRemaining(id string) (time.Duration, bool, error) {
	next, ok, err := s.NextTimeout(id)
	if err != nil || !ok {
		return 0, ok, err
	}
	d := next.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, true, nil
}

// Close disarms every live timer without changing its persisted state, so
// a later Restore picks them up again.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	timers := s.timers
	s.timers = map[string]*Timer{}
	s.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		t.disarm()
		t.mu.Unlock()
	}
	s.log.Info().Int("timers", len(timers)).Msg("timer service closed")
}

func (s *Service) lookup(id string) (*Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	return t, ok
}

func (s *Service) register(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.id] = t
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}
