package connection_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arzzra/agent_phone/pkg/connection"
)

func TestReachable(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		sig  connection.Signals
		want bool
	}{
		{
			// Fallback-правило (b): contact оффлайновый, но бэкенд говорит онлайн.
			name: "offline contact, backend registered",
			sig: connection.Signals{
				ContactURI:    "sip:1001@offline",
				BackendOnline: true,
			},
			want: true,
		},
		{
			name: "valid contact expired, backend offline",
			sig: connection.Signals{
				ContactURI:    "sip:1001@10.0.0.5",
				ExpiresAt:     now.Add(-10 * time.Second),
				BackendOnline: false,
			},
			want: false,
		},
		{
			name: "valid contact, unknown expiry",
			sig: connection.Signals{
				ContactURI: "sip:1001@10.0.0.5",
			},
			want: true,
		},
		{
			name: "valid contact, not expired, backend offline",
			sig: connection.Signals{
				ContactURI: "sip:1001@10.0.0.5",
				ExpiresAt:  now.Add(time.Hour),
			},
			want: true,
		},
		{
			name: "empty contact, backend offline",
			sig:  connection.Signals{},
			want: false,
		},
		{
			name: "empty contact, backend online",
			sig:  connection.Signals{BackendOnline: true},
			want: true,
		},
		{
			name: "expired contact, backend online",
			sig: connection.Signals{
				ContactURI:    "sip:1001@10.0.0.5",
				ExpiresAt:     now.Add(-time.Minute),
				BackendOnline: true,
			},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, connection.Reachable(tc.sig, now))
		})
	}
}

func TestDisagreement(t *testing.T) {
	now := time.Now()

	agree := connection.Signals{ContactURI: "sip:1001@10.0.0.5", BackendOnline: true}
	assert.False(t, connection.Disagreement(agree, now))

	stale := connection.Signals{ContactURI: "sip:1001@offline", BackendOnline: true}
	assert.True(t, connection.Disagreement(stale, now))

	expired := connection.Signals{
		ContactURI:    "sip:1001@10.0.0.5",
		ExpiresAt:     now.Add(-time.Second),
		BackendOnline: false,
	}
	assert.False(t, connection.Disagreement(expired, now))
}
