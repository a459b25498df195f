package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"voip-platform/internal/calls"
	"voip-platform/internal/metrics"
	"voip-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallLookup finds a call by its internal id.
type CallLookup interface {
	Get(ctx context.Context, id string) (calls.Call, error)
}

// WebhookHandler converts provider webhooks to call events and writes TwiML
// where Twilio expects it.
//
// Status, recording and Telnyx webhooks always answer 2xx once authenticated;
// failures are logged and dead-lettered by Ingress.
type WebhookHandler struct {
	Ingress *Ingress
	Calls   CallLookup
	Numbers NumberDirectory

	// Nil disables signature checks.
	TwilioSignature *TwilioSignature
	TelnyxSignature *TelnyxSignature

	// BaseURL is the public origin used for callback URLs in TwiML.
	BaseURL            string
	CallerID           string
	DefaultCountryCode string

	Now func() time.Time
}

const maxWebhookBody = 1 << 20

func (h WebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// detached keeps request values but survives the provider closing the connection.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (h WebhookHandler) twilioAuthentic(c *gin.Context, kind string) bool {
	if h.TwilioSignature == nil {
		return true
	}
	if h.TwilioSignature.Valid(c.Request) {
		return true
	}
	metrics.WebhookRequests.WithLabelValues(ProviderTwilio, kind, "bad_signature").Inc()
	logger.FromGin(c).Warn("twilio signature rejected", "kind", kind)
	c.AbortWithStatus(http.StatusForbidden)
	return false
}

func (h WebhookHandler) writeTwiML(c *gin.Context, res VoiceResponse) {
	twiml, err := RenderTwiML(res)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		twiml, _ = RenderTwiML(VoiceResponse{Action: VoiceHangup})
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// TwilioVoice answers the voice webhook for three kinds of legs:
// REST-placed calls bridging to the operator's device, browser device calls
// dialing out, and inbound calls to a tenant number.
func (h WebhookHandler) TwilioVoice(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioVoice(c.Request)
	if err != nil {
		log.Warn("twilio voice parse failed", "err", err)
		h.writeTwiML(c, VoiceResponse{Action: VoiceReject})
		return
	}
	if !h.twilioAuthentic(c, "voice") {
		return
	}
	ctx := detached(c)
	log = log.With("provider_call_id", form.CallSid)

	statusURL := h.BaseURL + "/webhooks/twilio/status"
	recordingURL := h.BaseURL + "/webhooks/twilio/recording"

	switch {
	case form.CallID != "":
		call, err := h.Calls.Get(ctx, form.CallID)
		if err != nil || call.UserID == "" {
			log.Warn("placed call has no operator to bridge", "call_id", form.CallID, "err", err)
			h.writeTwiML(c, VoiceResponse{Action: VoiceHangup})
			return
		}
		h.writeTwiML(c, VoiceResponse{
			Action:            VoiceConnect,
			ConnectTo:         "client:" + call.UserID,
			Record:            true,
			RecordingCallback: recordingURL,
		})

	case form.FromDevice():
		to := NormalizeE164(form.Number, h.DefaultCountryCode)
		if to == "" || form.TenantID == "" {
			log.Warn("device call without number or tenant")
			h.writeTwiML(c, VoiceResponse{Action: VoiceReject})
			return
		}
		_, err := h.Ingress.RecordInbound(ctx, calls.InboundCall{
			ProviderCallID: form.CallSid,
			Provider:       ProviderTwilio,
			TenantID:       form.TenantID,
			UserID:         form.Identity(),
			Direction:      calls.DirectionOutbound,
			From:           h.CallerID,
			To:             to,
		})
		if err != nil {
			h.writeTwiML(c, VoiceResponse{Action: VoiceReject})
			return
		}
		h.writeTwiML(c, VoiceResponse{
			Action:            VoiceConnect,
			ConnectTo:         to,
			CallerID:          h.CallerID,
			Record:            true,
			StatusCallback:    statusURL,
			RecordingCallback: recordingURL,
		})

	default:
		to := NormalizeE164(form.To, h.DefaultCountryCode)
		owner, err := h.Numbers.Lookup(ctx, to)
		if err != nil {
			log.Warn("inbound call to unassigned number", "to", to, "err", err)
			h.writeTwiML(c, VoiceResponse{Action: VoiceReject})
			return
		}
		if _, err := h.Ingress.RecordInbound(ctx, calls.InboundCall{
			ProviderCallID: form.CallSid,
			Provider:       ProviderTwilio,
			TenantID:       owner.TenantID,
			UserID:         owner.UserID,
			From:           NormalizeE164(form.From, h.DefaultCountryCode),
			To:             to,
			Metadata:       map[string]any{"caller_name": form.CallerName},
		}); err != nil {
			h.writeTwiML(c, VoiceResponse{Action: VoiceReject})
			return
		}
		if owner.UserID == "" {
			h.writeTwiML(c, VoiceResponse{Action: VoiceReject})
			return
		}
		h.writeTwiML(c, VoiceResponse{
			Action:            VoiceConnect,
			ConnectTo:         "client:" + owner.UserID,
			Record:            true,
			StatusCallback:    statusURL,
			RecordingCallback: recordingURL,
		})
	}
}

func (h WebhookHandler) TwilioStatus(c *gin.Context) {
	ev, err := ParseTwilioStatus(c.Request, h.now().UTC())
	if err != nil {
		h.ackUnparsed(c, ProviderTwilio, "status", err)
		return
	}
	if !h.twilioAuthentic(c, "status") {
		return
	}
	_, _ = h.Ingress.ApplyStatus(detached(c), ProviderTwilio, ev)
	c.Status(http.StatusNoContent)
}

func (h WebhookHandler) TwilioRecording(c *gin.Context) {
	re, err := ParseTwilioRecording(c.Request)
	if err != nil {
		h.ackUnparsed(c, ProviderTwilio, "recording", err)
		return
	}
	if !h.twilioAuthentic(c, "recording") {
		return
	}
	_ = h.Ingress.AttachRecording(detached(c), ProviderTwilio, re)
	c.Status(http.StatusNoContent)
}

func (h WebhookHandler) Telnyx(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.ackUnparsed(c, ProviderTelnyx, "event", err)
		return
	}
	if h.TelnyxSignature != nil {
		err := h.TelnyxSignature.Verify(body, c.GetHeader("telnyx-signature-ed25519"), c.GetHeader("telnyx-timestamp"), h.now())
		if err != nil {
			metrics.WebhookRequests.WithLabelValues(ProviderTelnyx, "event", "bad_signature").Inc()
			log.Warn("telnyx signature rejected", "err", err)
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
	}

	n, err := ParseTelnyx(body)
	if err != nil {
		h.ackUnparsed(c, ProviderTelnyx, "event", err)
		return
	}
	ctx := detached(c)

	if p := n.Inbound; p != nil {
		to := NormalizeE164(p.To, h.DefaultCountryCode)
		owner, err := h.Numbers.Lookup(ctx, to)
		if err != nil {
			log.Warn("inbound call to unassigned number", "to", to, "err", err)
			c.Status(http.StatusOK)
			return
		}
		_, _ = h.Ingress.RecordInbound(ctx, calls.InboundCall{
			ProviderCallID: p.CallControlID,
			Provider:       ProviderTelnyx,
			TenantID:       owner.TenantID,
			UserID:         owner.UserID,
			From:           NormalizeE164(p.From, h.DefaultCountryCode),
			To:             to,
			Metadata:       map[string]any{calls.MetaCallControlID: p.CallControlID, "call_session_id": p.CallSessionID},
		})
	}
	switch {
	case n.Event != nil:
		_, _ = h.Ingress.ApplyStatus(ctx, ProviderTelnyx, *n.Event)
	case n.Recording != nil:
		_ = h.Ingress.AttachRecording(ctx, ProviderTelnyx, *n.Recording)
	default:
		metrics.WebhookRequests.WithLabelValues(ProviderTelnyx, "event", "unmapped").Inc()
		log.Debug("telnyx event ignored", "event_type", n.EventType)
	}
	c.Status(http.StatusOK)
}

// ackUnparsed answers 2xx so the provider stops retrying a payload we can never use.
func (h WebhookHandler) ackUnparsed(c *gin.Context, provider, kind string, err error) {
	result := "invalid"
	if errors.Is(err, ErrUnmappedStatus) {
		result = "unmapped"
	} else {
		logger.FromGin(c).Warn("webhook payload rejected", "provider", provider, "kind", kind, "err", err)
	}
	metrics.WebhookRequests.WithLabelValues(provider, kind, result).Inc()
	c.Status(http.StatusNoContent)
}
