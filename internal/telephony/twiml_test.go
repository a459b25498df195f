package telephony

import (
	"strings"
	"testing"
)

func TestRenderTwiMLReject(t *testing.T) {
	xml, err := RenderTwiML(VoiceResponse{Action: VoiceReject})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := `<Reject reason="busy">`; !strings.Contains(xml, want) {
		t.Fatalf("expected %q in xml: %s", want, xml)
	}
}

func TestRenderTwiMLConnectRequiresTarget(t *testing.T) {
	_, err := RenderTwiML(VoiceResponse{Action: VoiceConnect})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderTwiMLDialNumberWithRecording(t *testing.T) {
	xml, err := RenderTwiML(VoiceResponse{
		Action:            VoiceConnect,
		ConnectTo:         "+5511999990000",
		CallerID:          "+5511333330000",
		Record:            true,
		StatusCallback:    "https://api.example.com/webhooks/twilio/status",
		RecordingCallback: "https://api.example.com/webhooks/twilio/recording",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`callerId="+5511333330000"`,
		`record="record-from-answer-dual"`,
		`recordingStatusCallback="https://api.example.com/webhooks/twilio/recording"`,
		`statusCallbackEvent="initiated ringing answered completed"`,
		`>+5511999990000</Number>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderTwiMLDialClient(t *testing.T) {
	xml, err := RenderTwiML(VoiceResponse{Action: VoiceConnect, ConnectTo: "client:user-1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Client>user-1</Client>") {
		t.Fatalf("expected client dial: %s", xml)
	}
	if strings.Contains(xml, "record=") {
		t.Fatalf("recording not requested: %s", xml)
	}
}
