package etl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func (r *recordingTimer) Start(d time.Duration) {
	r.waits = append(r.waits, d)
	r.c = make(chan time.Time, 1)
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

func testPolicy(timer *recordingTimer) RetryPolicy {
	p := DefaultLockRetry()
	p.Timer = timer
	return p
}

func TestRetryDelays(t *testing.T) {
	b := DefaultLockRetry().schedule()
	b.Reset()
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}

func TestDelayScheduleRepeatsLast(t *testing.T) {
	s := &delaySchedule{delays: []time.Duration{time.Second, 3 * time.Second}}
	assert.Equal(t, time.Second, s.NextBackOff())
	assert.Equal(t, 3*time.Second, s.NextBackOff())
	assert.Equal(t, 3*time.Second, s.NextBackOff())
	s.Reset()
	assert.Equal(t, time.Second, s.NextBackOff())

	assert.Equal(t, time.Duration(0), (&delaySchedule{}).NextBackOff())
}

func TestRetryNotifiesEachWait(t *testing.T) {
	timer := &recordingTimer{}
	p := testPolicy(timer)
	var notified []int
	p.OnRetry = func(attempt int, err error) {
		notified = append(notified, attempt)
		assert.True(t, IsLockContention(err))
	}
	calls := 0
	err := p.Do(context.Background(), logger.Nop(), func() error {
		calls++
		if calls < 3 {
			return ErrLockContention
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestRetryLockThenSuccess(t *testing.T) {
	s := &recordingTimer{}
	calls := 0
	err := testPolicy(s).Do(context.Background(), logger.Nop(), func() error {
		calls++
		if calls <= 3 {
			return errors.New("IO Error: Could not set lock on file \"warehouse.duckdb\": Conflicting lock is held")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, s.waits)
}

func TestRetryNonLockErrorIsImmediate(t *testing.T) {
	s := &recordingTimer{}
	calls := 0
	boom := errors.New("syntax error near SELECT")
	err := testPolicy(s).Do(context.Background(), logger.Nop(), func() error {
		calls++
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.waits)
}

func TestRetryExhaustion(t *testing.T) {
	s := &recordingTimer{}
	calls := 0
	err := testPolicy(s).Do(context.Background(), logger.Nop(), func() error {
		calls++
		return fmt.Errorf("open: %w", ErrLockContention)
	})
	var lre *LockRetryError
	require.ErrorAs(t, err, &lre)
	assert.Equal(t, 5, lre.Attempts)
	assert.ErrorIs(t, err, ErrLockContention)
	assert.Equal(t, 5, calls)
	// No wait after the final attempt.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, s.waits)
}

func TestRetrySleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := DefaultLockRetry()
	calls := 0
	err := p.Do(ctx, logger.Nop(), func() error {
		calls++
		return ErrLockContention
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsLockContention(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrLockContention, true},
		{"wrapped sentinel", fmt.Errorf("acquire: %w", ErrLockContention), true},
		{"duckdb lock", errors.New("IO Error: Could not set lock on file"), true},
		{"sqlite busy text", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"mssql deadlock", mssql.Error{Number: 1205, Message: "deadlock victim"}, true},
		{"mssql lock timeout", fmt.Errorf("exec: %w", mssql.Error{Number: 1222}), true},
		{"mssql other", mssql.Error{Number: 2627, Message: "violation of PRIMARY KEY"}, false},
		{"other", errors.New("no such table: conversations"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLockContention(tt.err))
		})
	}
}
