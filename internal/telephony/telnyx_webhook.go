package telephony

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"voip-platform/internal/calls"
)

// TelnyxEnvelope is the Call Control webhook body.
type TelnyxEnvelope struct {
	Data struct {
		ID         string        `json:"id"`
		EventType  string        `json:"event_type"`
		OccurredAt time.Time     `json:"occurred_at"`
		Payload    TelnyxPayload `json:"payload"`
	} `json:"data"`
}

type TelnyxPayload struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	ClientState   string `json:"client_state"`
	From          string `json:"from"`
	To            string `json:"to"`
	Direction     string `json:"direction"`
	State         string `json:"state"`
	HangupCause   string `json:"hangup_cause"`

	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`

	RecordingURLs       map[string]string `json:"recording_urls"`
	PublicRecordingURLs map[string]string `json:"public_recording_urls"`
	RecordingStartedAt  *time.Time        `json:"recording_started_at"`
	RecordingEndedAt    *time.Time        `json:"recording_ended_at"`
	Channels            string            `json:"channels"`
}

// TelnyxNotification is a parsed webhook. Exactly one of Event or Recording is set,
// unless the event type is not one we track.
type TelnyxNotification struct {
	EventType string
	Event     *calls.Event
	Recording *RecordingEvent

	// Inbound is set for the first event of a call arriving at one of our numbers.
	Inbound *TelnyxPayload
}

// ParseTelnyx maps a webhook body to a call event or recording.
func ParseTelnyx(body []byte) (TelnyxNotification, error) {
	var env TelnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return TelnyxNotification{}, fmt.Errorf("telephony: telnyx envelope: %w", err)
	}
	d := env.Data
	p := d.Payload
	if p.CallControlID == "" {
		return TelnyxNotification{}, errors.New("telephony: call_control_id missing")
	}
	n := TelnyxNotification{EventType: d.EventType}

	at := d.OccurredAt.UTC()
	ev := calls.Event{
		ProviderCallID: p.CallControlID,
		OccurredAt:     at,
		Extra:          map[string]any{"telnyx_event": d.EventType},
	}

	switch d.EventType {
	case "call.initiated":
		ev.Type = calls.EventInitiated
		if p.Direction == "incoming" {
			cp := p
			n.Inbound = &cp
		}
	case "call.ringing":
		ev.Type = calls.EventRinging
	case "call.answered":
		ev.Type = calls.EventAnswered
	case "call.hangup":
		ev.Type = hangupEvent(p.HangupCause)
		ev.Extra["hangup_cause"] = p.HangupCause
		// start_time is dial time; billing measures from the answered event.
		ev.Extra[calls.MetaDurationIncludesRing] = true
		if secs, ok := span(p.StartTime, p.EndTime); ok {
			ev.DurationSeconds = &secs
			end := p.EndTime.UTC()
			ev.EndedAt = &end
		}
	case "call.failed":
		ev.Type = calls.EventFailed
	case "call.recording.saved":
		url := p.RecordingURLs["mp3"]
		if url == "" {
			url = p.PublicRecordingURLs["mp3"]
		}
		if url == "" {
			for _, u := range p.RecordingURLs {
				url = u
				break
			}
		}
		if url == "" {
			return TelnyxNotification{}, errors.New("telephony: recording url missing")
		}
		rec := calls.Recording{SID: d.ID, URL: url, Channels: 1}
		if p.Channels == "dual" {
			rec.Channels = 2
		}
		if secs, ok := span(p.RecordingStartedAt, p.RecordingEndedAt); ok {
			rec.DurationSeconds = secs
		}
		n.Recording = &RecordingEvent{ProviderCallID: p.CallControlID, Recording: rec}
		return n, nil
	default:
		return n, nil
	}
	n.Event = &ev
	return n, nil
}

func hangupEvent(cause string) calls.EventType {
	switch cause {
	case "user_busy", "call_rejected":
		return calls.EventBusy
	case "timeout", "no_answer":
		return calls.EventNoAnswer
	case "originator_cancel":
		return calls.EventCanceled
	default:
		return calls.EventCompleted
	}
}

// span is end-start in whole seconds, rounded up.
func span(start, end *time.Time) (int, bool) {
	if start == nil || end == nil || end.Before(*start) {
		return 0, false
	}
	return int(math.Ceil(end.Sub(*start).Seconds())), true
}

// TelnyxSignature verifies telnyx-signature-ed25519 over "<timestamp>|<body>".
type TelnyxSignature struct {
	key       ed25519.PublicKey
	tolerance time.Duration
}

func NewTelnyxSignature(publicKeyB64 string) (*TelnyxSignature, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("telnyx public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("telnyx public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &TelnyxSignature{key: ed25519.PublicKey(raw), tolerance: 5 * time.Minute}, nil
}

var ErrBadSignature = errors.New("telephony: webhook signature invalid")

func (s *TelnyxSignature) Verify(body []byte, signatureB64, timestamp string, now time.Time) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if d := now.Sub(time.Unix(ts, 0)); d > s.tolerance || d < -s.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '|')
	msg = append(msg, body...)
	if !ed25519.Verify(s.key, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
