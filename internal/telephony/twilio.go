package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"voip-platform/internal/calls"
	"voip-platform/internal/config"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const ProviderTwilio = "twilio"

// twilioCallAPI is the slice of the Twilio REST API used here.
type twilioCallAPI interface {
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioapi.UpdateCallParams) (*twilioapi.ApiV2010Call, error)
}

// TwilioProvider places and ends calls through the Twilio REST API.
// Answered calls fetch TwiML from the voice webhook, which bridges the operator's device.
type TwilioProvider struct {
	api      twilioCallAPI
	baseURL  string
	callerID string
}

func NewTwilioProvider(cfg config.TwilioConfig, publicBaseURL string) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{api: client.Api, baseURL: publicBaseURL, callerID: cfg.CallerID}
}

func (p *TwilioProvider) Name() string { return ProviderTwilio }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req calls.PlacementRequest) (calls.Placement, error) {
	if err := ctx.Err(); err != nil {
		return calls.Placement{}, err
	}
	from := req.From
	if from == "" {
		from = p.callerID
	}
	if from == "" {
		return calls.Placement{}, errors.New("telephony: twilio caller id not configured")
	}

	voice := p.baseURL + "/webhooks/twilio/voice?" + url.Values{"call_id": {req.CallID}}.Encode()

	params := &twilioapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(voice)
	params.SetMethod("POST")
	params.SetStatusCallback(p.baseURL + "/webhooks/twilio/status")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod("POST")

	resp, err := p.api.CreateCall(params)
	if err != nil {
		return calls.Placement{}, fmt.Errorf("twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return calls.Placement{}, errors.New("twilio create call: empty call sid")
	}
	return calls.Placement{ProviderCallID: *resp.Sid}, nil
}

// Hangup ends a live call by moving it to completed.
func (p *TwilioProvider) Hangup(ctx context.Context, providerCallID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.api.UpdateCall(providerCallID, params); err != nil {
		return fmt.Errorf("twilio hangup: %w", err)
	}
	return nil
}
