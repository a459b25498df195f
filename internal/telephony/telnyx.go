package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"voip-platform/internal/calls"
	"voip-platform/internal/config"

	"github.com/go-resty/resty/v2"
)

const ProviderTelnyx = "telnyx"

// TelnyxProvider drives Telnyx Call Control v2.
// ProviderCallID is the call_control_id, which is also what webhooks carry.
type TelnyxProvider struct {
	http         *resty.Client
	connectionID string
	callerID     string
	webhookURL   string
}

func NewTelnyxProvider(cfg config.TelnyxConfig, publicBaseURL string) *TelnyxProvider {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second)
	return &TelnyxProvider{
		http:         c,
		connectionID: cfg.ConnectionID,
		callerID:     cfg.CallerID,
		webhookURL:   publicBaseURL + "/webhooks/telnyx",
	}
}

func (p *TelnyxProvider) Name() string { return ProviderTelnyx }

type telnyxDialRequest struct {
	ConnectionID   string `json:"connection_id"`
	To             string `json:"to"`
	From           string `json:"from"`
	WebhookURL     string `json:"webhook_url"`
	WebhookMethod  string `json:"webhook_url_method"`
	ClientState    string `json:"client_state,omitempty"`
	Record         string `json:"record,omitempty"`
	RecordChannels string `json:"record_channels,omitempty"`
	RecordFormat   string `json:"record_format,omitempty"`
}

type telnyxDialResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		CallLegID     string `json:"call_leg_id"`
		CallSessionID string `json:"call_session_id"`
	} `json:"data"`
}

type telnyxErrorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e telnyxErrorResponse) message() string {
	if len(e.Errors) == 0 {
		return "unknown error"
	}
	if e.Errors[0].Detail != "" {
		return e.Errors[0].Detail
	}
	return e.Errors[0].Title
}

func (p *TelnyxProvider) PlaceCall(ctx context.Context, req calls.PlacementRequest) (calls.Placement, error) {
	from := req.From
	if from == "" {
		from = p.callerID
	}
	if from == "" {
		return calls.Placement{}, errors.New("telephony: telnyx caller id not configured")
	}

	var (
		out  telnyxDialResponse
		fail telnyxErrorResponse
	)
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(telnyxDialRequest{
			ConnectionID:   p.connectionID,
			To:             req.To,
			From:           from,
			WebhookURL:     p.webhookURL,
			WebhookMethod:  "POST",
			ClientState:    base64.StdEncoding.EncodeToString([]byte(req.CallID)),
			Record:         "record-from-answer",
			RecordChannels: "dual",
			RecordFormat:   "mp3",
		}).
		SetResult(&out).
		SetError(&fail).
		Post("/calls")
	if err != nil {
		return calls.Placement{}, fmt.Errorf("telnyx dial: %w", err)
	}
	if resp.IsError() {
		return calls.Placement{}, fmt.Errorf("telnyx dial: status %d: %s", resp.StatusCode(), fail.message())
	}
	if out.Data.CallControlID == "" {
		return calls.Placement{}, errors.New("telnyx dial: empty call_control_id")
	}
	return calls.Placement{
		ProviderCallID: out.Data.CallControlID,
		Metadata: map[string]any{
			calls.MetaCallControlID: out.Data.CallControlID,
			"call_leg_id":           out.Data.CallLegID,
			"call_session_id":       out.Data.CallSessionID,
		},
	}, nil
}

func (p *TelnyxProvider) Hangup(ctx context.Context, providerCallID string) error {
	var fail telnyxErrorResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]any{}).
		SetError(&fail).
		Post("/calls/" + url.PathEscape(providerCallID) + "/actions/hangup")
	if err != nil {
		return fmt.Errorf("telnyx hangup: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telnyx hangup: status %d: %s", resp.StatusCode(), fail.message())
	}
	return nil
}
