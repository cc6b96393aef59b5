package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailproof/pkg/check"
	"mailproof/pkg/config"
	"mailproof/pkg/logging"
	"mailproof/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with the same conditional-update semantics
// as the SQLite implementation.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[int64]*store.Request
	domains map[string]struct{}
	nextID  int64

	pendingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[int64]*store.Request),
		domains: make(map[string]struct{}),
	}
}

func (f *fakeStore) add(target string, typ store.RequestType, status store.Status, expiresAt time.Time) *store.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := &store.Request{
		ID:        f.nextID,
		Target:    target,
		Type:      typ,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	f.rows[r.ID] = r
	return r
}

func (f *fakeStore) get(id int64) store.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeStore) InsertRequest(_ context.Context, req *store.NewRequest) (*store.Request, error) {
	r := f.add(req.Target, req.Type, store.StatusPending, req.ExpiresAt)
	return r, nil
}

func (f *fakeStore) FindByID(_ context.Context, id int64) (*store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) FindByTarget(_ context.Context, target string, typ store.RequestType) (*store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.Target == target && r.Type == typ {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) FindByTargetAll(_ context.Context, target string) ([]*store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Request
	for _, r := range f.rows {
		if r.Target == target {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) FindLastCreated(ctx context.Context, target string, typ store.RequestType) (*store.Request, error) {
	return f.FindByTarget(ctx, target, typ)
}

func (f *fakeStore) FindPendingNotExpired(_ context.Context, now time.Time) ([]*store.Request, error) {
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Request
	for _, r := range f.rows {
		if r.Status == store.StatusPending && r.ExpiresAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateCheckResult(_ context.Context, id int64, resultJSON string, checkedAt, nextCheckAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != store.StatusPending {
		return false, nil
	}
	r.LastCheckResultJSON = resultJSON
	r.LastCheckedAt = &checkedAt
	r.NextCheckAt = &nextCheckAt
	return true, nil
}

func (f *fakeStore) TouchLastChecked(_ context.Context, id int64, checkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.LastCheckedAt = &checkedAt
	}
	return nil
}

func (f *fakeStore) TransitionActive(_ context.Context, id int64) (bool, error) {
	return f.transition(id, store.StatusActive, "")
}

func (f *fakeStore) TransitionExpired(_ context.Context, id int64) (bool, error) {
	return f.transition(id, store.StatusExpired, "Request expired")
}

func (f *fakeStore) transition(id int64, to store.Status, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != store.StatusPending {
		return false, nil
	}
	r.Status = to
	if reason != "" {
		r.FailReason = reason
	}
	if to == store.StatusActive {
		now := time.Now().UTC()
		r.ActivatedAt = &now
	}
	return true, nil
}

func (f *fakeStore) RecordCheckError(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.FailReason = reason
	}
	return nil
}

func (f *fakeStore) SetFailReason(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = store.StatusFailed
	r.FailReason = reason
	return nil
}

func (f *fakeStore) MarkDomainActive(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[domain] = struct{}{}
	return nil
}

func (f *fakeStore) domainActive(domain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.domains[domain]
	return ok
}

func (f *fakeStore) CleanupOld(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) Ping(context.Context) error                          { return nil }
func (f *fakeStore) Close() error                                        { return nil }

// fakeValidator returns a canned result (or error) per target.
type fakeValidator struct {
	mu      sync.Mutex
	results map[string]*check.Result
	err     error
	calls   []string
}

func (v *fakeValidator) Check(_ context.Context, target string) (*check.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, target)
	if v.err != nil {
		return nil, v.err
	}
	if r, ok := v.results[target]; ok {
		return r, nil
	}
	return &check.Result{OK: false, CheckedAt: time.Now().UTC()}, nil
}

func (v *fakeValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// fakeMailer records notifications on buffered channels.
type fakeMailer struct {
	created chan *store.Request
	status  chan *store.Request
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		created: make(chan *store.Request, 8),
		status:  make(chan *store.Request, 8),
	}
}

func (m *fakeMailer) SendRequestCreated(_ context.Context, req *store.Request) error {
	m.created <- req
	return nil
}

func (m *fakeMailer) SendStatusChange(_ context.Context, req *store.Request, _ *check.Result) error {
	m.status <- req
	return nil
}

func testJobsConfig() *config.JobsConfig {
	return &config.JobsConfig{
		PollInterval:       50 * time.Millisecond,
		MaxAge:             72 * time.Hour,
		MaxActiveJobs:      2,
		ResumeJitter:       0,
		TargetCooldown:     time.Minute,
		ResultJSONMaxBytes: 4096,
	}
}

func newTestScheduler(st store.Store, v Validator, m *fakeMailer) *Scheduler {
	return New(st, v, m, testJobsConfig(), logging.NewDefault(), nil)
}

func jobFor(req *store.Request) *job {
	return &job{
		id:     req.ID,
		key:    req.Key(),
		target: req.Target,
		stopCh: make(chan struct{}),
	}
}

func waitStatus(t *testing.T, ch chan *store.Request) *store.Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status notification")
		return nil
	}
}

func TestRunCheckPromotes(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	v := &fakeValidator{results: map[string]*check.Result{
		"example.com": {OK: true, CheckedAt: time.Now().UTC()},
	}}
	ml := newFakeMailer()
	s := newTestScheduler(st, v, ml)
	defer s.Stop()

	stop := s.runCheck(jobFor(req))
	assert.True(t, stop, "a passing check must end the job")

	row := st.get(req.ID)
	assert.Equal(t, store.StatusActive, row.Status)
	assert.NotNil(t, row.ActivatedAt)
	assert.NotEmpty(t, row.LastCheckResultJSON)
	assert.True(t, st.domainActive("example.com"))

	notified := waitStatus(t, ml.status)
	assert.Equal(t, req.ID, notified.ID)
	assert.Equal(t, store.StatusActive, notified.Status)
}

func TestRunCheckContinuesWhenIncomplete(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	s := newTestScheduler(st, &fakeValidator{}, newFakeMailer())
	defer s.Stop()

	stop := s.runCheck(jobFor(req))
	assert.False(t, stop)

	row := st.get(req.ID)
	assert.Equal(t, store.StatusPending, row.Status)
	assert.NotEmpty(t, row.LastCheckResultJSON)
	assert.NotNil(t, row.NextCheckAt)
}

func TestRunCheckExpires(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusPending, time.Now().Add(-time.Minute))

	v := &fakeValidator{}
	ml := newFakeMailer()
	s := newTestScheduler(st, v, ml)
	defer s.Stop()

	stop := s.runCheck(jobFor(req))
	assert.True(t, stop)
	assert.Zero(t, v.callCount(), "expired requests are not validated")

	row := st.get(req.ID)
	assert.Equal(t, store.StatusExpired, row.Status)
	assert.Equal(t, "Request expired", row.FailReason)

	notified := waitStatus(t, ml.status)
	assert.Equal(t, store.StatusExpired, notified.Status)
}

func TestRunCheckErrorKeepsPolling(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	v := &fakeValidator{err: errors.New("dns:  lookup\ttimed out")}
	s := newTestScheduler(st, v, newFakeMailer())
	defer s.Stop()

	stop := s.runCheck(jobFor(req))
	assert.False(t, stop, "a resolver error must not end the job")

	row := st.get(req.ID)
	assert.Equal(t, store.StatusPending, row.Status)
	assert.Equal(t, "dns: lookup timed out", row.FailReason)
}

func TestRunCheckStopsWhenRowTerminal(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusActive, time.Now().Add(time.Hour))

	v := &fakeValidator{}
	s := newTestScheduler(st, v, newFakeMailer())
	defer s.Stop()

	assert.True(t, s.runCheck(jobFor(req)))
	assert.Zero(t, v.callCount())
}

func TestRunCheckStopsWhenRowGone(t *testing.T) {
	st := newFakeStore()
	s := newTestScheduler(st, &fakeValidator{}, newFakeMailer())
	defer s.Stop()

	ghost := &store.Request{ID: 404, Target: "gone.example", Type: store.TypeEmail}
	assert.True(t, s.runCheck(jobFor(ghost)))
}

func TestRunCheckReentrancyGuard(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	v := &fakeValidator{}
	s := newTestScheduler(st, v, newFakeMailer())
	defer s.Stop()

	j := jobFor(req)
	j.running.Store(true)
	assert.False(t, s.runCheck(j))
	assert.Zero(t, v.callCount(), "an in-flight tick blocks the next one")
}

func TestCapQueueAndFIFODrain(t *testing.T) {
	st := newFakeStore()
	s := newTestScheduler(st, &fakeValidator{}, newFakeMailer())
	defer s.Stop()

	// Long initial delays keep the loops parked so admission is observable.
	hold := time.Hour
	a := st.add("a.example", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))
	b := st.add("b.example", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))
	c := st.add("c.example", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))
	d := st.add("d.example", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	s.StartForRequest(a, hold)
	s.StartForRequest(b, hold)
	require.Equal(t, 2, s.ActiveCount())
	assert.True(t, s.AtCapacity())

	s.StartForRequest(c, hold)
	s.StartForRequest(d, hold)
	assert.Equal(t, 2, s.ActiveCount())
	assert.Equal(t, 2, s.QueueLen())

	// Re-submitting known keys changes nothing.
	s.StartForRequest(a, hold)
	s.StartForRequest(c, hold)
	assert.Equal(t, 2, s.ActiveCount())
	assert.Equal(t, 2, s.QueueLen())

	// Freeing a slot admits the oldest queued job first.
	s.stopJob(a.Key())
	assert.Equal(t, 2, s.ActiveCount())
	assert.Equal(t, 1, s.QueueLen())

	s.mu.Lock()
	_, cRunning := s.jobs[c.Key()]
	_, dRunning := s.jobs[d.Key()]
	s.mu.Unlock()
	assert.True(t, cRunning)
	assert.False(t, dRunning)
}

func TestResumeStartsPendingJobs(t *testing.T) {
	st := newFakeStore()
	st.add("a.example", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))
	st.add("b.example", store.TypeUI, store.StatusPending, time.Now().Add(time.Hour))
	st.add("done.example", store.TypeEmail, store.StatusActive, time.Now().Add(time.Hour))
	st.add("late.example", store.TypeEmail, store.StatusPending, time.Now().Add(-time.Hour))

	s := newTestScheduler(st, &fakeValidator{}, newFakeMailer())
	defer s.Stop()

	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, 2, s.ActiveCount())
}

func TestResumePropagatesStoreError(t *testing.T) {
	st := newFakeStore()
	st.pendingErr = errors.New("disk gone")

	s := newTestScheduler(st, &fakeValidator{}, newFakeMailer())
	defer s.Stop()

	assert.Error(t, s.Resume(context.Background()))
}

func TestStopClearsEverything(t *testing.T) {
	st := newFakeStore()
	a := st.add("a.example", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	s := newTestScheduler(st, &fakeValidator{}, newFakeMailer())
	s.StartForRequest(a, time.Hour)
	require.Equal(t, 1, s.ActiveCount())

	s.Stop()
	assert.Zero(t, s.ActiveCount())
	assert.Zero(t, s.QueueLen())
}

// gatedValidator blocks inside Check until released, recording the context
// state it sees on the way out.
type gatedValidator struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func newGatedValidator() *gatedValidator {
	return &gatedValidator{
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 4),
	}
}

func (v *gatedValidator) Check(ctx context.Context, _ string) (*check.Result, error) {
	v.entered <- struct{}{}
	<-v.release
	v.ctxErr <- ctx.Err()
	return &check.Result{OK: false, CheckedAt: time.Now().UTC()}, nil
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	v := newGatedValidator()
	s := newTestScheduler(st, v, newFakeMailer())

	s.StartForRequest(req, 0)
	select {
	case <-v.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the tick to start")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(v.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}

	assert.NoError(t, <-v.ctxErr, "shutdown must not cancel a tick mid-check")

	row := st.get(req.ID)
	assert.NotEmpty(t, row.LastCheckResultJSON, "the in-flight result must still land")
}

func TestPollLoopPromotesEndToEnd(t *testing.T) {
	st := newFakeStore()
	req := st.add("example.com", store.TypeEmail, store.StatusPending, time.Now().Add(time.Hour))

	v := &fakeValidator{results: map[string]*check.Result{
		"example.com": {OK: true, CheckedAt: time.Now().UTC()},
	}}
	ml := newFakeMailer()
	s := newTestScheduler(st, v, ml)
	defer s.Stop()

	s.StartForRequest(req, 0)

	notified := waitStatus(t, ml.status)
	assert.Equal(t, store.StatusActive, notified.Status)

	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, s.ActiveCount(), "promoted job must leave the map")
}
