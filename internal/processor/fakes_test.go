package processor

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/ledger/ledgertest"
	"github.com/smallbiznis/shadowfiend/internal/metering"
	"github.com/smallbiznis/shadowfiend/internal/reclaimer"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUsage struct {
	mu         sync.Mutex
	watermarks map[string][]time.Time
	bottom     map[string]time.Time
	top        map[string]time.Time
	costs      map[string]map[time.Time]decimal.Decimal
	consumed   []time.Time
	setErr     error
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{
		watermarks: map[string][]time.Time{},
		bottom:     map[string]time.Time{},
		top:        map[string]time.Time{},
		costs:      map[string]map[time.Time]decimal.Decimal{},
	}
}

func (f *fakeUsage) setCost(projectID string, window time.Time, cost string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.costs[projectID] == nil {
		f.costs[projectID] = map[time.Time]decimal.Decimal{}
	}
	f.costs[projectID][window] = decimal.RequireFromString(cost)
}

func (f *fakeUsage) setTop(projectID string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.top[projectID] = ts
}

func (f *fakeUsage) states(projectID string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.watermarks[projectID]...)
}

func (f *fakeUsage) GetCurrentConsume(_ context.Context, projectID string, since time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, since)
	return f.costs[projectID][since], nil
}

func (f *fakeUsage) GetState(_ context.Context, projectID string, tag metering.StateTag, edge metering.StateEdge) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tag == metering.StateShadowfiend {
		marks := append([]time.Time(nil), f.watermarks[projectID]...)
		if len(marks) == 0 {
			return time.Time{}, false, nil
		}
		sort.Slice(marks, func(i, j int) bool { return marks[i].Before(marks[j]) })
		if edge == metering.EdgeBottom {
			return marks[0], true, nil
		}
		return marks[len(marks)-1], true, nil
	}
	source := f.top
	if edge == metering.EdgeBottom {
		source = f.bottom
	}
	ts, ok := source[projectID]
	return ts, ok, nil
}

func (f *fakeUsage) SetState(_ context.Context, projectID string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.watermarks[projectID] = append(f.watermarks[projectID], ts)
	return nil
}

type fakeIdentity struct {
	projects []string
	owners   map[string]string
	err      error
}

func (f *fakeIdentity) RateProjects(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.projects...), nil
}

func (f *fakeIdentity) RateUser(_ context.Context, projectID string) (string, bool, error) {
	owner, ok := f.owners[projectID]
	return owner, ok, nil
}

type fakeReclaimer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeReclaimer) OwedAction(_ context.Context, projectID string) reclaimer.ReclaimReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, projectID)
	return reclaimer.ReclaimReport{ProjectID: projectID, Dropped: 1}
}

func (f *fakeReclaimer) projects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeLocks refuses the first contended[project] acquisitions; a negative
// count refuses forever.
type fakeLocks struct {
	mu         sync.Mutex
	contended  map[string]int
	attempts   map[string]int
	held       map[string]bool
	released   []string
	heartbeats int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{contended: map[string]int{}, attempts: map[string]int{}, held: map[string]bool{}}
}

func (l *fakeLocks) Acquire(_ context.Context, projectID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[projectID]++
	if n := l.contended[projectID]; n != 0 {
		if n > 0 {
			l.contended[projectID] = n - 1
		}
		return false, nil
	}
	l.held[projectID] = true
	return true, nil
}

func (l *fakeLocks) Release(_ context.Context, projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, projectID)
	l.released = append(l.released, projectID)
	return nil
}

func (l *fakeLocks) Heartbeat(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heartbeats++
	return nil
}

func (l *fakeLocks) KeepAlive(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

type harness struct {
	clk       *clock.FakeClock
	ledger    ledgerdomain.Service
	usage     *fakeUsage
	identity  *fakeIdentity
	reclaimer *fakeReclaimer
	locks     Locker
	policy    config.ProcessorPolicy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	db := ledgertest.NewDB(t)
	policy := config.DefaultProcessorPolicy()
	policy.IdlePause = time.Millisecond
	policy.PassTimeout = 5 * time.Second
	return &harness{
		clk:       clk,
		ledger:    ledgertest.NewService(t, db, ledgertest.Options{Clock: clk}),
		usage:     newFakeUsage(),
		identity:  &fakeIdentity{owners: map[string]string{}},
		reclaimer: &fakeReclaimer{},
		locks:     newFakeLocks(),
		policy:    policy,
	}
}

func (h *harness) processor(t *testing.T) *Processor {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	p, err := New(Params{
		Log:       zap.NewNop(),
		Usage:     h.usage,
		Identity:  h.identity,
		Ledger:    h.ledger,
		Reclaimer: h.reclaimer,
		Locks:     h.locks,
		Policy:    config.NewStaticPolicyHolder(h.policy),
		GenID:     node,
		Clock:     h.clk,
	})
	require.NoError(t, err)
	return p
}

func adminCtx() context.Context {
	return requestcontext.WithActor(context.Background(), requestcontext.Actor{
		Type:     requestcontext.ActorAdmin,
		UserID:   "root",
		DomainID: "default",
	})
}

// seedPayer registers userID as the billing owner of projectID.
func (h *harness) seedPayer(t *testing.T, projectID, userID, balance string, level int) {
	t.Helper()
	ctx := adminCtx()
	if existing, err := h.ledger.GetAccount(ctx, userID); err == nil && existing == nil {
		_, err := h.ledger.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{
			UserID:   userID,
			DomainID: "default",
			Balance:  decimal.RequireFromString(balance),
			Level:    level,
		})
		require.NoError(t, err)
	}
	_, err := h.ledger.CreateProject(ctx, ledgerdomain.CreateProjectRequest{
		ProjectID: projectID,
		UserID:    userID,
		DomainID:  "default",
	})
	require.NoError(t, err)
	h.identity.projects = append(h.identity.projects, projectID)
	h.identity.owners[projectID] = userID
}

func (h *harness) account(t *testing.T, userID string) *ledgerdomain.Account {
	t.Helper()
	account, err := h.ledger.GetAccount(adminCtx(), userID)
	require.NoError(t, err)
	require.NotNil(t, account)
	return account
}

func hour(h int) time.Time {
	return time.Date(2026, 3, 1, h, 0, 0, 0, time.UTC)
}
