package telephony

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"voip-platform/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func telnyxBody(eventType, payload string) []byte {
	return []byte(`{"data":{"id":"evt-1","event_type":"` + eventType + `","occurred_at":"2026-03-02T12:00:00Z","payload":` + payload + `}}`)
}

func TestParseTelnyx_StatusMapping(t *testing.T) {
	cases := []struct {
		eventType string
		payload   string
		want      calls.EventType
	}{
		{"call.initiated", `{"call_control_id":"v3:a","direction":"outgoing"}`, calls.EventInitiated},
		{"call.answered", `{"call_control_id":"v3:a"}`, calls.EventAnswered},
		{"call.hangup", `{"call_control_id":"v3:a","hangup_cause":"normal_clearing"}`, calls.EventCompleted},
		{"call.hangup", `{"call_control_id":"v3:a","hangup_cause":"user_busy"}`, calls.EventBusy},
		{"call.hangup", `{"call_control_id":"v3:a","hangup_cause":"timeout"}`, calls.EventNoAnswer},
		{"call.hangup", `{"call_control_id":"v3:a","hangup_cause":"originator_cancel"}`, calls.EventCanceled},
		{"call.failed", `{"call_control_id":"v3:a"}`, calls.EventFailed},
	}
	for _, tc := range cases {
		t.Run(tc.eventType+"/"+tc.payload, func(t *testing.T) {
			n, err := ParseTelnyx(telnyxBody(tc.eventType, tc.payload))
			require.NoError(t, err)
			require.NotNil(t, n.Event)
			assert.Equal(t, tc.want, n.Event.Type)
			assert.Equal(t, "v3:a", n.Event.ProviderCallID)
			assert.Nil(t, n.Inbound)
		})
	}
}

func TestParseTelnyx_HangupDurationFromTimes(t *testing.T) {
	n, err := ParseTelnyx(telnyxBody("call.hangup",
		`{"call_control_id":"v3:a","hangup_cause":"normal_clearing","start_time":"2026-03-02T11:58:00Z","end_time":"2026-03-02T11:59:00.400Z"}`))
	require.NoError(t, err)
	require.NotNil(t, n.Event.DurationSeconds)
	assert.Equal(t, 61, *n.Event.DurationSeconds)
	assert.Equal(t, "normal_clearing", n.Event.Extra["hangup_cause"])
	assert.Equal(t, true, n.Event.Extra[calls.MetaDurationIncludesRing])
	require.NotNil(t, n.Event.EndedAt)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 59, 0, 400_000_000, time.UTC), *n.Event.EndedAt)
}

func TestParseTelnyx_InboundAndRecording(t *testing.T) {
	n, err := ParseTelnyx(telnyxBody("call.initiated", `{"call_control_id":"v3:in","direction":"incoming","from":"+5511988887777","to":"+5511300000000"}`))
	require.NoError(t, err)
	require.NotNil(t, n.Inbound)
	assert.Equal(t, "+5511300000000", n.Inbound.To)

	n, err = ParseTelnyx(telnyxBody("call.recording.saved",
		`{"call_control_id":"v3:a","channels":"dual","recording_urls":{"mp3":"https://rec/a.mp3"},"recording_started_at":"2026-03-02T12:00:00Z","recording_ended_at":"2026-03-02T12:00:42Z"}`))
	require.NoError(t, err)
	require.NotNil(t, n.Recording)
	assert.Nil(t, n.Event)
	assert.Equal(t, calls.Recording{SID: "evt-1", URL: "https://rec/a.mp3", DurationSeconds: 42, Channels: 2}, n.Recording.Recording)
}

func TestParseTelnyx_UnknownAndInvalid(t *testing.T) {
	n, err := ParseTelnyx(telnyxBody("call.speak.ended", `{"call_control_id":"v3:a"}`))
	require.NoError(t, err)
	assert.Nil(t, n.Event)
	assert.Nil(t, n.Recording)

	_, err = ParseTelnyx([]byte(`{`))
	assert.Error(t, err)
	_, err = ParseTelnyx(telnyxBody("call.answered", `{}`))
	assert.Error(t, err)
}

func TestTelnyxSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v, err := NewTelnyxSignature(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	now := time.Unix(1_772_452_800, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := telnyxBody("call.answered", `{"call_control_id":"v3:a"}`)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, append([]byte(ts+"|"), body...)))

	assert.NoError(t, v.Verify(body, sig, ts, now))
	assert.ErrorIs(t, v.Verify(append(body, ' '), sig, ts, now), ErrBadSignature)
	assert.ErrorIs(t, v.Verify(body, sig, ts, now.Add(10*time.Minute)), ErrBadSignature)
	assert.ErrorIs(t, v.Verify(body, "not-base64!", ts, now), ErrBadSignature)

	_, err = NewTelnyxSignature(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}
