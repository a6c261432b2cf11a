package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type DeliveryConfig struct {
	MaxAttempts    int
	PerHost        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	// Lease is how long a claimed job stays InFlight before another engine
	// may take it over. It must exceed Timeout.
	Lease time.Duration
	// ScanInterval is how often the store is rescanned for due jobs left by
	// other processes.
	ScanInterval time.Duration
	QueueSize    int
	UserAgent    string
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:    8,
		PerHost:        2,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     time.Hour,
		Timeout:        30 * time.Second,
		Lease:          90 * time.Second,
		ScanInterval:   time.Minute,
		QueueSize:      1024,
		UserAgent:      "stegofed ActivityPub",
	}
}

// SigningKeys returns the active key of a local actor.
type SigningKeys interface {
	ActiveKey(ctx context.Context, actor string) (*domain.KeyPair, error)
}

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type hostSlot struct {
	sem     *semaphore.Weighted
	waiting []*domain.DeliveryJob
}

// ErrEngineRan is returned when Run is called on an engine that already ran.
var ErrEngineRan = errors.New("delivery engine already ran")

// DeliveryEngine delivers persisted jobs with a per-host concurrency limit
// and exponential backoff between attempts. Engines in several processes may
// share one store; a job is claimed with a lease before each attempt.
type DeliveryEngine struct {
	store  db.Store
	keys   SigningKeys
	signer *Signer
	client *http.Client
	clock  clockwork.Clock
	cfg    DeliveryConfig
	owner  string
	log    *zap.Logger

	queue chan *domain.DeliveryJob
	done  chan struct{}

	mu      sync.Mutex
	hosts   map[string]*hostSlot
	running map[uuid.UUID]bool
	timers  map[uuid.UUID]clockwork.Timer
	ran     bool
	stopped bool
	wg      sync.WaitGroup
}

func NewDeliveryEngine(store db.Store, keys SigningKeys, signer *Signer, client *http.Client, clk clockwork.Clock, cfg DeliveryConfig, log *zap.Logger) *DeliveryEngine {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultDeliveryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PerHost <= 0 {
		cfg.PerHost = def.PerHost
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Lease <= cfg.Timeout {
		cfg.Lease = cfg.Timeout + time.Minute
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if client == nil {
		client = &http.Client{}
	}
	owner := uuid.NewString()
	return &DeliveryEngine{
		store:   store,
		keys:    keys,
		signer:  signer,
		client:  client,
		clock:   clk,
		cfg:     cfg,
		owner:   owner,
		log:     log.With(zap.String("engine", owner)),
		queue:   make(chan *domain.DeliveryJob, cfg.QueueSize),
		done:    make(chan struct{}),
		hosts:   make(map[string]*hostSlot),
		running: make(map[uuid.UUID]bool),
		timers:  make(map[uuid.UUID]clockwork.Timer),
	}
}

// Enqueue schedules a persisted job for its next attempt.
func (e *DeliveryEngine) Enqueue(job *domain.DeliveryJob) {
	e.schedule(job)
}

// Run resumes unfinished jobs and delivers until ctx is cancelled. The store
// is rescanned every ScanInterval so jobs left Pending by other processes are
// picked up. On return every in-flight job has been written back as Pending.
// Run can be called once.
func (e *DeliveryEngine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return ErrEngineRan
	}
	e.ran = true
	e.mu.Unlock()

	e.log.Info("Starting delivery engine", zap.Int("perHost", e.cfg.PerHost), zap.Int("maxAttempts", e.cfg.MaxAttempts))
	if err := e.scan(ctx); err != nil {
		e.shutdown()
		return err
	}
	ticker := e.clock.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case job := <-e.queue:
			e.dispatch(ctx, job)
		case <-ticker.Chan():
			if err := e.scan(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("Failed to scan delivery jobs", zap.Error(err))
			}
		case <-ctx.Done():
			e.shutdown()
			e.log.Info("Delivery engine stopped")
			return nil
		}
	}
}

func (e *DeliveryEngine) shutdown() {
	e.mu.Lock()
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	close(e.done)
	e.wg.Wait()
}

// scan schedules every unfinished job in the store that this engine is not
// already tracking. A job InFlight under another engine's lease is scheduled
// for when the lease runs out.
func (e *DeliveryEngine) scan(ctx context.Context) error {
	jobs, err := e.Jobs(ctx)
	if err != nil {
		return err
	}
	found := 0
	for _, job := range jobs {
		if job.Terminal() || e.tracking(job.ID) {
			continue
		}
		e.schedule(job)
		found++
	}
	if found > 0 {
		e.log.Info("Resumed deliveries", zap.Int("jobs", found))
	}
	return nil
}

func (e *DeliveryEngine) tracking(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, timer := e.timers[id]
	return timer || e.running[id]
}

// scheduled returns the number of jobs waiting on a retry timer.
func (e *DeliveryEngine) scheduled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Jobs lists every delivery job, oldest first.
func (e *DeliveryEngine) Jobs(ctx context.Context) ([]*domain.DeliveryJob, error) {
	keys, err := e.store.Keys(ctx, db.JobPrefix)
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.DeliveryJob, 0, len(keys))
	for _, k := range keys {
		job, ok, err := db.GetJSON[domain.DeliveryJob](ctx, e.store, k)
		if err != nil {
			return nil, err
		}
		if ok {
			jobs = append(jobs, job)
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (e *DeliveryEngine) schedule(job *domain.DeliveryJob) {
	delay := job.DueAt().Sub(e.clock.Now())
	if delay <= 0 {
		e.push(job)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if old, ok := e.timers[job.ID]; ok {
		old.Stop()
	}
	e.timers[job.ID] = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, job.ID)
		e.mu.Unlock()
		e.push(job)
	})
}

func (e *DeliveryEngine) push(job *domain.DeliveryJob) {
	select {
	case e.queue <- job:
	case <-e.done:
	default:
		go func() {
			select {
			case e.queue <- job:
			case <-e.done:
			}
		}()
	}
}

// dispatch starts an attempt, or parks the job while its host is at the
// concurrency limit.
func (e *DeliveryEngine) dispatch(ctx context.Context, job *domain.DeliveryJob) {
	host := hostOf(job.Inbox)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[job.ID] {
		return
	}
	slot, ok := e.hosts[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(int64(e.cfg.PerHost))}
		e.hosts[host] = slot
	}
	if !slot.sem.TryAcquire(1) {
		slot.waiting = append(slot.waiting, job)
		return
	}
	e.start(ctx, job, host)
}

// start must be called with e.mu held and a slot of host acquired.
func (e *DeliveryEngine) start(ctx context.Context, job *domain.DeliveryJob, host string) {
	e.running[job.ID] = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.attempt(ctx, job.ID)
		e.release(ctx, job.ID, host)
	}()
}

func (e *DeliveryEngine) release(ctx context.Context, id uuid.UUID, host string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	slot := e.hosts[host]
	slot.sem.Release(1)
	for len(slot.waiting) > 0 && ctx.Err() == nil {
		next := slot.waiting[0]
		slot.waiting = slot.waiting[1:]
		if e.running[next.ID] {
			continue
		}
		if !slot.sem.TryAcquire(1) {
			slot.waiting = append([]*domain.DeliveryJob{next}, slot.waiting...)
			break
		}
		e.start(ctx, next, host)
		break
	}
	if len(slot.waiting) == 0 && slot.sem.TryAcquire(int64(e.cfg.PerHost)) {
		slot.sem.Release(int64(e.cfg.PerHost))
		delete(e.hosts, host)
	}
}

func (e *DeliveryEngine) attempt(ctx context.Context, id uuid.UUID) {
	job, err := e.update(ctx, id, func(j *domain.DeliveryJob) bool {
		now := e.clock.Now()
		// a stale queue entry, or a job another engine is working on
		if (j.State == domain.DeliveryPending && j.NextAttemptAt.After(now)) || j.Leased(now) {
			return false
		}
		j.State = domain.DeliveryInFlight
		j.LeaseOwner = e.owner
		j.LeaseUntil = now.UTC().Add(e.cfg.Lease)
		return true
	})
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("Failed to start delivery", zap.String("job", id.String()), zap.Error(err))
		}
		return
	}
	if job == nil {
		return
	}

	status, sendErr := e.send(ctx, job)

	// persist the outcome even when shutting down
	wctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if _, err := e.update(wctx, id, e.owned(func(j *domain.DeliveryJob) {
			j.State = domain.DeliveryPending
		})); err != nil {
			e.log.Error("Failed to park delivery", zap.String("job", id.String()), zap.Error(err))
		}
		return
	}

	var next *domain.DeliveryJob
	next, err = e.update(wctx, id, e.owned(func(j *domain.DeliveryJob) {
		j.Attempts++
		j.LastStatus = status
		j.LastError = ""
		switch {
		case sendErr == nil:
			j.State = domain.DeliveryDelivered
		case isPermanent(sendErr):
			j.State = domain.DeliveryFailed
			j.LastError = sendErr.Error()
		case j.Attempts >= e.cfg.MaxAttempts:
			j.State = domain.DeliveryFailed
			j.LastError = sendErr.Error()
		default:
			j.State = domain.DeliveryPending
			j.LastError = sendErr.Error()
			j.NextAttemptAt = e.clock.Now().UTC().Add(e.backoff(j.Attempts))
		}
	}))
	if err != nil {
		e.log.Error("Failed to record delivery", zap.String("job", id.String()), zap.Error(err))
		return
	}
	if next == nil {
		e.log.Warn("Lost delivery lease", zap.String("job", id.String()))
		return
	}

	fields := []zap.Field{
		zap.String("job", id.String()),
		zap.String("inbox", next.Inbox),
		zap.Int("attempt", next.Attempts),
		zap.Int("status", status),
	}
	switch next.State {
	case domain.DeliveryDelivered:
		e.log.Info("Delivered activity", fields...)
	case domain.DeliveryFailed:
		e.log.Warn("Giving up on delivery", append(fields, zap.String("error", next.LastError))...)
	default:
		e.log.Info("Delivery failed, will retry", append(fields, zap.Time("next", next.NextAttemptAt), zap.Error(sendErr))...)
		e.schedule(next)
	}
}

// owned wraps fn so it only applies while this engine holds the job's lease,
// and releases the lease.
func (e *DeliveryEngine) owned(fn func(*domain.DeliveryJob)) func(*domain.DeliveryJob) bool {
	return func(j *domain.DeliveryJob) bool {
		if j.State != domain.DeliveryInFlight || j.LeaseOwner != e.owner {
			return false
		}
		fn(j)
		j.LeaseOwner = ""
		j.LeaseUntil = time.Time{}
		return true
	}
}

// update applies fn to the stored job. It returns nil when the job is gone,
// already terminal, or fn declines the change.
func (e *DeliveryEngine) update(ctx context.Context, id uuid.UUID, fn func(*domain.DeliveryJob) bool) (*domain.DeliveryJob, error) {
	changed := false
	job, err := db.UpdateJSON(ctx, e.store, db.JobKey(id.String()), func(j *domain.DeliveryJob, exists bool) error {
		if !exists || j.Terminal() || !fn(j) {
			return db.ErrUnchanged
		}
		j.UpdatedAt = e.clock.Now().UTC()
		changed = true
		return nil
	})
	if err != nil || !changed {
		return nil, err
	}
	return job, nil
}

func (e *DeliveryEngine) backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// send performs one signed POST of the job's activity.
func (e *DeliveryEngine) send(ctx context.Context, job *domain.DeliveryJob) (int, error) {
	activity, ok, err := db.GetJSON[domain.StoredActivity](ctx, e.store, db.ActivityKey(job.ActivityID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, permanentError{fmt.Errorf("%w: activity %s", domain.ErrNotFound, job.ActivityID)}
	}
	key, err := e.keys.ActiveKey(ctx, job.Actor)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, permanentError{err}
		}
		return 0, err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	body := []byte(activity.Raw)
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, job.Inbox, bytes.NewReader(body))
	if err != nil {
		return 0, permanentError{err}
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	if err := e.signer.SignRequest(rctx, req, body, key); err != nil {
		return 0, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("%w: status %d", domain.ErrTransient, resp.StatusCode)
	default:
		return resp.StatusCode, permanentError{fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
