package telephony

import (
	"errors"
	"fmt"
	"time"

	"voip-platform/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceTokens mints Twilio Voice SDK access tokens.
type DeviceTokens struct {
	accountSID  string
	apiKey      string
	apiSecret   string
	twimlAppSID string
	ttl         time.Duration
}

func NewDeviceTokens(cfg config.TwilioConfig) (*DeviceTokens, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.TwiMLAppSID == "" {
		return nil, errors.New("TWILIO_API_KEY, TWILIO_API_SECRET and TWILIO_TWIML_APP_SID are required for device tokens")
	}
	ttl := cfg.DeviceTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DeviceTokens{
		accountSID:  cfg.AccountSID,
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		twimlAppSID: cfg.TwiMLAppSID,
		ttl:         ttl,
	}, nil
}

type voiceGrant struct {
	Incoming struct {
		Allow bool `json:"allow"`
	} `json:"incoming"`
	Outgoing struct {
		ApplicationSID string            `json:"application_sid"`
		Params         map[string]string `json:"params,omitempty"`
	} `json:"outgoing"`
}

type grants struct {
	Identity string     `json:"identity"`
	Voice    voiceGrant `json:"voice"`
}

type accessClaims struct {
	Grants grants `json:"grants"`
	jwt.RegisteredClaims
}

// DeviceToken is a signed token plus its expiry.
type DeviceToken struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeviceToken mints a token for identity. The tenant rides along as an outgoing
// parameter so the voice webhook can scope calls the device places.
func (d *DeviceTokens) DeviceToken(identity, tenantID string, now time.Time) (DeviceToken, error) {
	if identity == "" || tenantID == "" {
		return DeviceToken{}, errors.New("telephony: identity and tenant are required")
	}
	exp := now.Add(d.ttl)

	var g grants
	g.Identity = identity
	g.Voice.Incoming.Allow = true
	g.Voice.Outgoing.ApplicationSID = d.twimlAppSID
	g.Voice.Outgoing.Params = map[string]string{"tenant_id": tenantID}

	claims := accessClaims{
		Grants: g,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", d.apiKey, now.Unix()),
			Issuer:    d.apiKey,
			Subject:   d.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["cty"] = "twilio-fpa;v=1"

	signed, err := tok.SignedString([]byte(d.apiSecret))
	if err != nil {
		return DeviceToken{}, fmt.Errorf("sign device token: %w", err)
	}
	return DeviceToken{Token: signed, Identity: identity, ExpiresAt: exp}, nil
}
