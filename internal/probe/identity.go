package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type IdentityConfig struct {
	URL          string        `mapstructure:"url"`
	Realm        string        `mapstructure:"realm"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ValidateJWT  bool          `mapstructure:"validate_jwt"`
	Retry        RetryPolicy   `mapstructure:"retry"`
}

// IdentityProbe performs a password-grant token request.
type IdentityProbe struct {
	cfg    IdentityConfig
	client Doer
	now    func() time.Time
}

func NewIdentityProbe(cfg IdentityConfig, client Doer) *IdentityProbe {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Realm == "" {
		cfg.Realm = "master"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultIdentityRetry
	}
	return &IdentityProbe{cfg: cfg, client: client, now: time.Now}
}

func (p *IdentityProbe) Kind() Kind { return Identity }

func (p *IdentityProbe) tokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", p.cfg.URL, url.PathEscape(p.cfg.Realm))
}

func (p *IdentityProbe) form() string {
	v := url.Values{}
	v.Set("grant_type", "password")
	v.Set("client_id", p.cfg.ClientID)
	v.Set("username", p.cfg.Username)
	v.Set("password", p.cfg.Password)
	if p.cfg.ClientSecret != "" {
		v.Set("client_secret", p.cfg.ClientSecret)
	}
	return v.Encode()
}

func (p *IdentityProbe) Invoke(ctx context.Context, _ *rand.Rand) Result {
	t := begin(Identity)
	body := p.form()

	var token string
	status := 0
	attempts, err := p.cfg.Retry.Do(ctx, func(int) error {
		req, err := http.NewRequest(http.MethodPost, p.tokenURL(), strings.NewReader(body))
		if err != nil {
			return Stop(transportFailure(err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := exchange(ctx, p.client, p.cfg.Timeout, req, true)
		if err != nil {
			return transportFailure(err)
		}
		status = resp.status
		t.res.Bytes += resp.n
		if resp.status != http.StatusOK {
			return protocolFailure(resp.status, resp.body)
		}

		var tok struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(resp.body, &tok); err != nil {
			return Stop(validationFailure(resp.status, "token response: %v", err))
		}
		if tok.AccessToken == "" {
			return Stop(validationFailure(resp.status, "%v", errNoToken))
		}
		token = tok.AccessToken
		return nil
	})
	t.res.Attempts = attempts
	if err != nil {
		return t.failWith(err)
	}

	if p.cfg.ValidateJWT {
		t.check("jwt", p.validToken(token))
	}
	return t.ok(status)
}

// validToken checks the access token is a JWT whose exp lies in the future.
// The signature is not verified; the probe only asserts token structure.
func (p *IdentityProbe) validToken(raw string) bool {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.After(p.now())
}
