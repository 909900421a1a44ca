package connection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/connection"
	"github.com/arzzra/agent_phone/pkg/engine"
	"github.com/arzzra/agent_phone/pkg/engine/enginetest"
	"github.com/arzzra/agent_phone/pkg/guard"
)

func newSupervisor(t *testing.T, opts connection.Options) (*connection.Supervisor, *enginetest.Engine, *guard.SessionContext) {
	t.Helper()
	sess := guard.NewSessionContext()
	eng := enginetest.New()
	opts.Session = sess
	opts.Engine = eng
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 10 * time.Millisecond
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = time.Hour // не мешать тестам
	}
	if opts.Backoff == (connection.Backoff{}) {
		opts.Backoff = connection.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxRetries: 3}
	}
	s := connection.NewSupervisor(opts)
	s.Start()
	t.Cleanup(s.Stop)
	return s, eng, sess
}

// Дебаунс: из всплеска применяется только последнее событие.
func TestDebounceLastUpdateWins(t *testing.T) {
	s, eng, _ := newSupervisor(t, connection.Options{
		Backoff: connection.Backoff{Base: time.Hour, Cap: time.Hour, MaxRetries: 100},
	})

	eng.EmitRegistration(engine.RegFailed, "", time.Time{})
	eng.EmitRegistration(engine.RegRegistering, "", time.Time{})
	eng.EmitRegistration(engine.RegRegistered, "sip:1001@10.0.0.5", time.Now().Add(time.Hour))

	// До истечения окна ничего не применено.
	assert.Equal(t, engine.RegUnregistered, s.State())

	require.Eventually(t, func() bool {
		return s.State() == engine.RegRegistered
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Reachable())
	assert.Zero(t, s.Snapshot().RetryCount)
}

func TestRetryCountResetsOnlyOnRegistered(t *testing.T) {
	s, eng, _ := newSupervisor(t, connection.Options{})

	eng.EmitRegistration(engine.RegFailed, "", time.Time{})
	require.Eventually(t, func() bool {
		return s.Snapshot().RetryCount > 0
	}, time.Second, 5*time.Millisecond, "retry must be scheduled after failure")

	eng.EmitRegistration(engine.RegRegistered, "sip:1001@10.0.0.5", time.Now().Add(time.Hour))
	require.Eventually(t, func() bool {
		return s.Snapshot().RetryCount == 0
	}, time.Second, 5*time.Millisecond, "confirmed registration resets retry count")
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	fatal := make(chan struct{}, 1)
	s, eng, _ := newSupervisor(t, connection.Options{
		Backoff: connection.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxRetries: 2},
		OnFatal: func() { fatal <- struct{}{} },
	})
	// Каждая попытка регистрации проваливается немедленно.
	eng.Errs["Register"] = assert.AnError

	eng.EmitRegistration(engine.RegFailed, "", time.Time{})

	select {
	case <-fatal:
	case <-time.After(2 * time.Second):
		t.Fatal("fatal condition not reached")
	}
	assert.True(t, s.Snapshot().Fatal)
	assert.Equal(t, connection.HealthUnhealthy, s.Health())

	// Фатальное состояние терминально: новых попыток не планируется.
	calls := eng.CallCount("Register")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, eng.CallCount("Register"))
}

func TestHealthProbeFeedsReconnect(t *testing.T) {
	s, eng, _ := newSupervisor(t, connection.Options{
		HealthInterval: 5 * time.Millisecond,
		Backoff:        connection.Backoff{Base: time.Hour, Cap: time.Hour, MaxRetries: 10},
	})

	eng.EmitRegistration(engine.RegRegistered, "sip:1001@10.0.0.5", time.Now().Add(time.Hour))
	require.Eventually(t, func() bool { return s.Reachable() }, time.Second, 5*time.Millisecond)

	eng.AliveErr = assert.AnError
	require.Eventually(t, func() bool {
		return s.State() == engine.RegFailed
	}, time.Second, 5*time.Millisecond, "failed probe must synthesize a disconnect")
	assert.False(t, s.Reachable())
}

func TestBackendFallbackFlipsReachability(t *testing.T) {
	var changes []bool
	s, eng, _ := newSupervisor(t, connection.Options{
		OnReachable: func(r bool) { changes = append(changes, r) },
		Backoff:     connection.Backoff{Base: time.Hour, Cap: time.Hour, MaxRetries: 10},
	})

	// Регистрации нет, но бэкенд считает агента онлайн.
	s.SetBackendOnline(true)
	assert.True(t, s.Reachable())

	s.SetBackendOnline(false)
	assert.False(t, s.Reachable())
	assert.Equal(t, []bool{true, false}, changes)
	_ = eng
}

func TestSupervisorGuard(t *testing.T) {
	s, eng, sess := newSupervisor(t, connection.Options{})

	sess.BeginLogout()
	eng.EmitRegistration(engine.RegFailed, "", time.Time{})
	s.SetBackendOnline(true)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, engine.RegUnregistered, s.State(), "no mutations after logout")
	assert.False(t, s.Reachable())
	assert.Zero(t, eng.CallCount("Register"), "no network calls after logout")
}

// Connect отражает попытку в срезе состояния сразу, не дожидаясь
// дебаунса событий регистрации.
func TestConnectMarksAttemptImmediately(t *testing.T) {
	s, eng, sess := newSupervisor(t, connection.Options{
		Backoff: connection.Backoff{Base: time.Hour, Cap: time.Hour, MaxRetries: 10},
	})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, eng.CallCount("Register"))

	snap := s.Snapshot()
	assert.Equal(t, engine.RegRegistering, snap.Registration)
	assert.False(t, snap.LastAttemptAt.IsZero())

	sess.BeginLogout()
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, eng.CallCount("Register"), "no network calls after logout")
}
