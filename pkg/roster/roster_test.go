package roster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/guard"
	"github.com/arzzra/agent_phone/pkg/roster"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		state  string
		paused bool
		want   roster.Presence
	}{
		{"NOT_INUSE", false, roster.PresenceRegistered},
		{"NOT_INUSE", true, roster.PresencePaused},
		{"not_inuse", false, roster.PresenceRegistered},
		{"INUSE", false, roster.PresenceOnCall},
		{"BUSY", false, roster.PresenceOnCall},
		{"RINGING", false, roster.PresenceOnCall},
		{"ONHOLD", false, roster.PresenceOnCall},
		{"INUSE", true, roster.PresenceOnCall},
		{"UNAVAILABLE", false, roster.PresenceOffline},
		{"UNAVAILABLE", true, roster.PresenceOffline},
		{"INVALID", false, roster.PresenceOffline},
		{"", false, roster.PresenceOffline},
	}
	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			assert.Equal(t, tc.want, roster.NormalizeStatus(tc.state, tc.paused))
		})
	}
}

func TestStoreApplyDetectsChanges(t *testing.T) {
	s := roster.NewStore()

	var changes []roster.Entry
	s.OnChange(func(e roster.Entry) { changes = append(changes, e) })

	assert.True(t, s.Apply(roster.Entry{Extension: "1001", Presence: roster.PresenceRegistered}))
	assert.False(t, s.Apply(roster.Entry{Extension: "1001", Presence: roster.PresenceRegistered}),
		"identical update is not a change")
	assert.True(t, s.Apply(roster.Entry{Extension: "1001", Presence: roster.PresenceOnCall}))

	require.Len(t, changes, 2)
	assert.Equal(t, roster.PresenceOnCall, changes[1].Presence)
}

func TestStoreReplaceMarksMissingOffline(t *testing.T) {
	s := roster.NewStore()
	s.Apply(roster.Entry{Extension: "1001", Presence: roster.PresenceRegistered})
	s.Apply(roster.Entry{Extension: "1002", Presence: roster.PresenceOnCall})

	s.Replace([]roster.Entry{
		{Extension: "1001", Presence: roster.PresenceRegistered},
	})

	e, ok := s.Get("1002")
	require.True(t, ok)
	assert.Equal(t, roster.PresenceOffline, e.Presence, "agent absent from full refresh goes offline")
}

func TestStoreTargets(t *testing.T) {
	s := roster.NewStore()
	s.Apply(roster.Entry{Extension: "1003", Presence: roster.PresenceRegistered})
	s.Apply(roster.Entry{Extension: "1001", Presence: roster.PresenceRegistered})
	s.Apply(roster.Entry{Extension: "1002", Presence: roster.PresenceOnCall})
	s.Apply(roster.Entry{Extension: "1004", Presence: roster.PresencePaused})

	assert.Equal(t, []string{"1001", "1003"}, s.Targets())
}

func TestRefresherPullsWhenPushIsStale(t *testing.T) {
	sess := guard.NewSessionContext()
	s := roster.NewStore()

	var mu sync.Mutex
	pulls := 0
	r := roster.NewRefresher(roster.RefresherOptions{
		Session: sess,
		Store:   s,
		Fetch: func(ctx context.Context) ([]roster.Entry, error) {
			mu.Lock()
			pulls++
			mu.Unlock()
			return []roster.Entry{{Extension: "1001", Presence: roster.PresenceRegistered}}, nil
		},
		Interval:   5 * time.Millisecond,
		StaleAfter: 10 * time.Millisecond,
	})
	r.Start()
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool {
		_, ok := s.Get("1001")
		return ok
	}, time.Second, 5*time.Millisecond, "stale push channel triggers a pull")

	// Живой push-канал подавляет pull.
	quiet := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-quiet:
				return
			case <-ticker.C:
				r.Touch()
			}
		}
	}()

	mu.Lock()
	before := pulls
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := pulls
	mu.Unlock()
	close(quiet)

	assert.Equal(t, before, after, "no pulls while pushes keep coming")
}

func TestRefresherStopsOnLogout(t *testing.T) {
	sess := guard.NewSessionContext()
	s := roster.NewStore()

	var mu sync.Mutex
	pulls := 0
	r := roster.NewRefresher(roster.RefresherOptions{
		Session:    sess,
		Store:      s,
		Fetch:      func(ctx context.Context) ([]roster.Entry, error) { mu.Lock(); pulls++; mu.Unlock(); return nil, nil },
		Interval:   2 * time.Millisecond,
		StaleAfter: time.Millisecond,
	})
	r.Start()
	t.Cleanup(r.Stop)

	sess.BeginLogout()
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	before := pulls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	after := pulls
	mu.Unlock()
	assert.Equal(t, before, after, "no pulls after logout")
}
