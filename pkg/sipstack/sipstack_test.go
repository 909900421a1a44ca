package sipstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAudioSDP(t *testing.T) {
	body, err := buildAudioSDP("10.0.0.5", 20000, false)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "m=audio 20000 RTP/AVP 0 8 101")
	assert.Contains(t, s, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, s, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, s, "a=sendrecv")
	assert.Contains(t, s, "c=IN IP4 10.0.0.5")
}

func TestBuildAudioSDPHold(t *testing.T) {
	body, err := buildAudioSDP("10.0.0.5", 20000, true)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "a=sendonly")
	assert.NotContains(t, s, "a=sendrecv")
}

func TestParseSipfrag(t *testing.T) {
	cases := []struct {
		body   string
		code   int
		reason string
	}{
		{"SIP/2.0 100 Trying", 100, "Trying"},
		{"SIP/2.0 200 OK", 200, "OK"},
		{"SIP/2.0 486 Busy Here", 486, "Busy Here"},
		{"SIP/2.0 503 Service Unavailable\r\n", 503, "Service Unavailable"},
		{"SIP/2.0 180", 180, ""},
	}
	for _, tc := range cases {
		code, reason, err := parseSipfrag([]byte(tc.body))
		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.code, code)
		assert.Equal(t, tc.reason, reason)
	}

	_, _, err := parseSipfrag([]byte("not a sipfrag"))
	require.Error(t, err)
	_, _, err = parseSipfrag(nil)
	require.Error(t, err)
}

func TestReplacesValue(t *testing.T) {
	d := &dialogState{
		callID:    "abc123",
		localTag:  "ltag",
		remoteTag: "rtag",
	}
	assert.Equal(t, "abc123;to-tag=rtag;from-tag=ltag", d.replacesValue())
}

func TestDialogCSeqMonotonic(t *testing.T) {
	d := &dialogState{}
	assert.Equal(t, uint32(1), d.nextCSeq())
	assert.Equal(t, uint32(2), d.nextCSeq())
}
