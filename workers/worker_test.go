package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/services"
)

var epoch = time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC)

func TestNextRun(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		at   string
		want time.Time
	}{
		{"later today", epoch, "03:00", time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC)},
		{"already passed", epoch, "01:30", time.Date(2024, 6, 4, 1, 30, 0, 0, time.UTC)},
		{"exactly now runs tomorrow", epoch, "02:00", time.Date(2024, 6, 4, 2, 0, 0, 0, time.UTC)},
		{"month end", time.Date(2024, 6, 30, 23, 0, 0, 0, time.UTC), "00:15", time.Date(2024, 7, 1, 0, 15, 0, 0, time.UTC)},
		{"non utc input", time.Date(2024, 6, 3, 1, 0, 0, 0, time.FixedZone("BRT", -3*3600)), "03:00", time.Date(2024, 6, 4, 3, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.now, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NextRun(epoch, "25:00")
	assert.Error(t, err)
	_, err = NewDailyWorker("archive", "noon", nil, nil)
	assert.Error(t, err)
}

func TestPeriodicWorker_KeepsScheduleAfterErrors(t *testing.T) {
	clk := clock.Fake(epoch)
	runs := make(chan int, 4)
	n := 0
	w := NewPeriodicWorker("reconcile", time.Minute, func(ctx context.Context) error {
		n++
		runs <- n
		return errors.New("boom")
	}, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	clk.WaitForTimers(1)
	for i := 1; i <= 2; i++ {
		clk.Advance(time.Minute)
		select {
		case got := <-runs:
			assert.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d did not happen", i)
		}
	}

	cancel()
	<-done
}

func TestDailyWorker_RunsAtScheduledTime(t *testing.T) {
	clk := clock.Fake(epoch)
	runs := make(chan time.Time, 2)
	w, err := NewDailyWorker("archive", "03:00", func(ctx context.Context) error {
		runs <- clk.Now()
		return nil
	}, clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	clk.WaitForTimers(1)
	clk.Advance(59 * time.Minute)
	select {
	case <-runs:
		t.Fatal("ran before 03:00")
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(time.Minute)
	select {
	case at := <-runs:
		assert.Equal(t, time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC), at)
	case <-time.After(2 * time.Second):
		t.Fatal("daily run did not happen")
	}

	clk.WaitForTimers(1)
	clk.Advance(24 * time.Hour)
	select {
	case at := <-runs:
		assert.Equal(t, time.Date(2024, 6, 4, 3, 0, 0, 0, time.UTC), at)
	case <-time.After(2 * time.Second):
		t.Fatal("second daily run did not happen")
	}
}

func TestHolidayTask_SeedsNextYearInDecember(t *testing.T) {
	pg, m, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := services.NewHolidayService(pg, services.DefaultHolidayCalendar())
	sectors := []string{"id", "timezone"}
	m.ExpectQuery("FROM sectors s JOIN projects p").WillReturnRows(sqlmock.NewRows(sectors))
	m.ExpectQuery("FROM sectors s JOIN projects p").WillReturnRows(sqlmock.NewRows(sectors))

	task := HolidayTask(svc, clock.Fake(time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, task(context.Background()))
	assert.NoError(t, m.ExpectationsWereMet())

	m.ExpectQuery("FROM sectors s JOIN projects p").WillReturnError(errors.New("connection refused"))
	task = HolidayTask(svc, clock.Fake(epoch))
	assert.ErrorContains(t, task(context.Background()), "2024")
	assert.NoError(t, m.ExpectationsWereMet())
}

type fakeJobs struct {
	mu    sync.Mutex
	queue []string
	errs  []error
}

func (f *fakeJobs) Next(ctx context.Context, timeout time.Duration) (string, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return "", err
	}
	if len(f.queue) > 0 {
		id := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return id, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeRouter struct {
	routed chan string
}

func (f *fakeRouter) RouteQueue(_ context.Context, queueID string) (int, error) {
	f.routed <- queueID
	if queueID == "broken" {
		return 0, errors.New("queue not found")
	}
	return 1, nil
}

func TestQueueRoutingWorker(t *testing.T) {
	clk := clock.Fake(epoch)
	jobs := &fakeJobs{queue: []string{"q1", "broken", "q2"}, errs: []error{errors.New("redis down")}}
	router := &fakeRouter{routed: make(chan string, 3)}
	w := NewQueueRoutingWorker(jobs, router, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	// the read error backs off on the clock before polling again
	clk.WaitForTimers(1)
	clk.Advance(w.RetryDelay)

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-router.routed:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("only routed %v", got)
		}
	}
	assert.Equal(t, []string{"q1", "broken", "q2"}, got)

	cancel()
	<-done
}
