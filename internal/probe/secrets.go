package probe

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

type SecretConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Paths   []string      `mapstructure:"paths"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SecretProbe reads one KV v2 secret with a token header.
type SecretProbe struct {
	cfg    SecretConfig
	client Doer
}

func NewSecretProbe(cfg SecretConfig, client Doer) *SecretProbe {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SecretProbe{cfg: cfg, client: client}
}

func (p *SecretProbe) Kind() Kind { return SecretStore }

func (p *SecretProbe) Invoke(ctx context.Context, rng *rand.Rand) Result {
	t := begin(SecretStore)

	if len(p.cfg.Paths) == 0 {
		return t.fail(FailureValidation, 0, "no secret paths configured")
	}
	path := p.cfg.Paths[rng.Intn(len(p.cfg.Paths))]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequest(http.MethodGet, p.cfg.URL+path, nil)
	if err != nil {
		return t.failWith(transportFailure(err))
	}
	req.Header.Set("X-Vault-Token", p.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := exchange(ctx, p.client, p.cfg.Timeout, req, true)
	if err != nil {
		return t.failWith(transportFailure(err))
	}
	t.res.Bytes = resp.n
	if resp.status != http.StatusOK {
		return t.failWith(protocolFailure(resp.status, resp.body))
	}
	if err := validSecret(resp.body); err != nil {
		return t.failWith(validationFailure(resp.status, "%v", err))
	}
	return t.ok(resp.status)
}

type secretPayload struct {
	Data *struct {
		Data map[string]json.RawMessage `json:"data"`
	} `json:"data"`
}

// validSecret requires a nested data.data object with at least one key.
func validSecret(body []byte) error {
	var s secretPayload
	if err := json.Unmarshal(body, &s); err != nil {
		return err
	}
	if s.Data == nil || len(s.Data.Data) == 0 {
		return errEmptySecret
	}
	return nil
}
