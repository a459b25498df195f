package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// VoiceAction is what a voice webhook tells Twilio to do next.
type VoiceAction string

const (
	VoiceReject  VoiceAction = "reject"
	VoiceConnect VoiceAction = "connect"
	VoiceHangup  VoiceAction = "hangup"
)

// VoiceResponse is rendered to TwiML by RenderTwiML.
type VoiceResponse struct {
	Action VoiceAction

	// ConnectTo is an E.164 number, a "client:<identity>" or a "sip:" URI.
	ConnectTo string
	CallerID  string

	// Record enables dual-channel recording from answer.
	Record bool

	StatusCallback    string
	RecordingCallback string
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName                       xml.Name `xml:"Dial"`
	CallerID                      string   `xml:"callerId,attr,omitempty"`
	Record                        string   `xml:"record,attr,omitempty"`
	RecordingStatusCallback       string   `xml:"recordingStatusCallback,attr,omitempty"`
	RecordingStatusCallbackMethod string   `xml:"recordingStatusCallbackMethod,attr,omitempty"`

	Number *twimlEndpoint `xml:"Number,omitempty"`
	Client *twimlEndpoint `xml:"Client,omitempty"`
	Sip    *twimlEndpoint `xml:"Sip,omitempty"`
}

type twimlEndpoint struct {
	StatusCallback       string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent  string `xml:"statusCallbackEvent,attr,omitempty"`
	StatusCallbackMethod string `xml:"statusCallbackMethod,attr,omitempty"`
	Target               string `xml:",chardata"`
}

const statusCallbackEvents = "initiated ringing answered completed"

// RenderTwiML maps a VoiceResponse to TwiML.
func RenderTwiML(res VoiceResponse) (string, error) {
	var r twimlResponse

	switch res.Action {
	case VoiceReject:
		r.Verbs = append(r.Verbs, twimlReject{Reason: "busy"})
	case VoiceHangup:
		r.Verbs = append(r.Verbs, twimlHangup{})
	case VoiceConnect:
		target := strings.TrimSpace(res.ConnectTo)
		if target == "" {
			return "", errors.New("telephony: connect_to required for connect action")
		}
		ep := &twimlEndpoint{Target: target}
		if res.StatusCallback != "" {
			ep.StatusCallback = res.StatusCallback
			ep.StatusCallbackEvent = statusCallbackEvents
			ep.StatusCallbackMethod = "POST"
		}
		d := twimlDial{CallerID: res.CallerID}
		if res.Record {
			d.Record = "record-from-answer-dual"
			if res.RecordingCallback != "" {
				d.RecordingStatusCallback = res.RecordingCallback
				d.RecordingStatusCallbackMethod = "POST"
			}
		}
		switch {
		case strings.HasPrefix(strings.ToLower(target), "sip:"):
			d.Sip = ep
		case strings.HasPrefix(target, "client:"):
			ep.Target = strings.TrimPrefix(target, "client:")
			d.Client = ep
		default:
			d.Number = ep
		}
		r.Verbs = append(r.Verbs, d)
	default:
		return "", errors.New("telephony: unknown voice action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
