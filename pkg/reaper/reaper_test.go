package reaper

import (
	"context"
	"io"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctflabs/paddock/pkg/log"
	"github.com/ctflabs/paddock/pkg/store"
	"github.com/ctflabs/paddock/pkg/tracker"
	"github.com/ctflabs/paddock/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeDestroyer struct {
	mu   sync.Mutex
	deps []types.Deployment
	done chan struct{}
}

func newFakeDestroyer() *fakeDestroyer {
	return &fakeDestroyer{done: make(chan struct{}, 16)}
}

func (f *fakeDestroyer) RunTeardown(dep types.Deployment) {
	f.mu.Lock()
	f.deps = append(f.deps, dep)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeDestroyer) torn() []types.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Deployment(nil), f.deps...)
}

func waitTeardown(t *testing.T, f *fakeDestroyer) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown never ran")
	}
}

func TestScheduleFiresAtDeadline(t *testing.T) {
	destroyer := newFakeDestroyer()
	tasks := tracker.New()
	r := New(context.Background(), destroyer, tasks)

	r.Schedule(types.Deployment{PublicID: "pub-1"}, time.Now().Add(20*time.Millisecond))
	waitTeardown(t, destroyer)

	torn := destroyer.torn()
	require.Len(t, torn, 1)
	assert.Equal(t, "pub-1", torn[0].PublicID)
}

// TestSchedulePastDeadlineFiresImmediately covers leases that expired while
// the service was down.
func TestSchedulePastDeadlineFiresImmediately(t *testing.T) {
	destroyer := newFakeDestroyer()
	r := New(context.Background(), destroyer, tracker.New())

	r.Schedule(types.Deployment{PublicID: "pub-1"}, time.Now().Add(-time.Hour))
	waitTeardown(t, destroyer)
}

func TestShutdownCancelsPendingTimers(t *testing.T) {
	destroyer := newFakeDestroyer()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, destroyer, tracker.New())

	r.Schedule(types.Deployment{PublicID: "pub-1"}, time.Now().Add(time.Hour))
	cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, destroyer.torn(), "a cancelled timer must not tear down")
}

func TestClosedTrackerSkipsTeardown(t *testing.T) {
	destroyer := newFakeDestroyer()
	tasks := tracker.New()
	tasks.Close()
	r := New(context.Background(), destroyer, tasks)

	r.Schedule(types.Deployment{PublicID: "pub-1"}, time.Now().Add(-time.Second))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, destroyer.torn(), "the next boot's sweep owns this lease")
}

func TestSweep(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	expired := time.Now().Add(-time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM challenge_deployments WHERE destroyed_at IS NULL AND expired_at IS NOT NULL`)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "challenge_id", "team_id",
			"deployed", "data", "created_at", "expired_at", "destroyed_at",
		}).
			AddRow(1, "pub-1", 7, nil, true, nil, time.Now(), &expired, nil).
			AddRow(2, "pub-2", 8, nil, true, nil, time.Now(), &expired, nil))

	destroyer := newFakeDestroyer()
	r := New(context.Background(), destroyer, tracker.New())

	require.NoError(t, r.Sweep(context.Background(), st))
	waitTeardown(t, destroyer)
	waitTeardown(t, destroyer)

	torn := destroyer.torn()
	ids := []string{torn[0].PublicID, torn[1].PublicID}
	assert.ElementsMatch(t, []string{"pub-1", "pub-2"}, ids)
}
