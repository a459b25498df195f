package telephony

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voip-platform/internal/calls"

	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioVoiceForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type TwilioVoiceForm struct {
	CallSid       string
	ParentCallSid string
	AccountSid    string
	From          string
	To            string
	Direction     string
	CallStatus    string
	CallerName    string

	// Number and TenantID are custom parameters sent by the browser device.
	Number   string
	TenantID string

	// CallID is set on calls placed through the REST API.
	CallID string
}

func ParseTwilioVoice(r *http.Request) (TwilioVoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioVoiceForm{}, err
	}
	f := TwilioVoiceForm{
		CallSid:       r.PostFormValue("CallSid"),
		ParentCallSid: r.PostFormValue("ParentCallSid"),
		AccountSid:    r.PostFormValue("AccountSid"),
		From:          strings.TrimSpace(r.PostFormValue("From")),
		To:            strings.TrimSpace(r.PostFormValue("To")),
		Direction:     r.PostFormValue("Direction"),
		CallStatus:    r.PostFormValue("CallStatus"),
		CallerName:    r.PostFormValue("CallerName"),
		Number:        strings.TrimSpace(r.PostFormValue("number")),
		TenantID:      r.PostFormValue("tenant_id"),
		CallID:        r.URL.Query().Get("call_id"),
	}
	if f.CallSid == "" {
		return TwilioVoiceForm{}, errors.New("telephony: CallSid missing")
	}
	return f, nil
}

// FromDevice reports whether the call leg was started by a browser device.
func (f TwilioVoiceForm) FromDevice() bool {
	return strings.HasPrefix(f.From, "client:")
}

// Identity is the device identity of a browser-originated leg.
func (f TwilioVoiceForm) Identity() string {
	return strings.TrimPrefix(f.From, "client:")
}

// twilioStatusEvents maps Twilio CallStatus values to call events.
var twilioStatusEvents = map[string]calls.EventType{
	"queued":      calls.EventInitiated,
	"initiated":   calls.EventInitiated,
	"ringing":     calls.EventRinging,
	"in-progress": calls.EventAnswered,
	"answered":    calls.EventAnswered,
	"completed":   calls.EventCompleted,
	"busy":        calls.EventBusy,
	"no-answer":   calls.EventNoAnswer,
	"canceled":    calls.EventCanceled,
	"failed":      calls.EventFailed,
}

var ErrUnmappedStatus = errors.New("telephony: provider status has no call event")

// ParseTwilioStatus turns a status callback into a call event.
// Child legs of a <Dial> report against their parent, which owns the call row.
func ParseTwilioStatus(r *http.Request, now time.Time) (calls.Event, error) {
	if err := r.ParseForm(); err != nil {
		return calls.Event{}, err
	}
	id := r.PostFormValue("ParentCallSid")
	if id == "" {
		id = r.PostFormValue("CallSid")
	}
	if id == "" {
		return calls.Event{}, errors.New("telephony: CallSid missing")
	}
	status := r.PostFormValue("CallStatus")
	typ, ok := twilioStatusEvents[status]
	if !ok {
		return calls.Event{}, ErrUnmappedStatus
	}

	ev := calls.Event{
		ProviderCallID: id,
		Type:           typ,
		OccurredAt:     now,
		Extra:          map[string]any{"twilio_status": status},
	}
	if ts := r.PostFormValue("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			ev.OccurredAt = t.UTC()
		}
	}
	if d := r.PostFormValue("CallDuration"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n >= 0 {
			ev.DurationSeconds = &n
		}
	}
	return ev, nil
}

// RecordingEvent is a finished recording reported by a provider.
type RecordingEvent struct {
	ProviderCallID string          `json:"provider_call_id"`
	Recording      calls.Recording `json:"recording"`
}

func ParseTwilioRecording(r *http.Request) (RecordingEvent, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingEvent{}, err
	}
	ev := RecordingEvent{
		ProviderCallID: r.PostFormValue("CallSid"),
		Recording: calls.Recording{
			SID: r.PostFormValue("RecordingSid"),
			URL: r.PostFormValue("RecordingUrl"),
		},
	}
	if ev.ProviderCallID == "" || ev.Recording.URL == "" {
		return RecordingEvent{}, errors.New("telephony: CallSid and RecordingUrl are required")
	}
	if st := r.PostFormValue("RecordingStatus"); st != "" && st != "completed" {
		return RecordingEvent{}, ErrUnmappedStatus
	}
	ev.Recording.DurationSeconds, _ = strconv.Atoi(r.PostFormValue("RecordingDuration"))
	ev.Recording.Channels, _ = strconv.Atoi(r.PostFormValue("RecordingChannels"))
	if ev.Recording.Channels == 0 {
		ev.Recording.Channels = 1
	}
	return ev, nil
}

// TwilioSignature checks X-Twilio-Signature against the public callback URL.
type TwilioSignature struct {
	validator twilioclient.RequestValidator
	baseURL   string
}

func NewTwilioSignature(authToken, publicBaseURL string) *TwilioSignature {
	return &TwilioSignature{validator: twilioclient.NewRequestValidator(authToken), baseURL: publicBaseURL}
}

// Valid must run after the form is parsed.
func (s *TwilioSignature) Valid(r *http.Request) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.baseURL+r.URL.RequestURI(), params, sig)
}
