package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	AuthBasic  = "basic"
	AuthBearer = "bearer"

	manifestV2  = "application/vnd.docker.distribution.manifest.v2+json"
	manifestOCI = "application/vnd.oci.image.manifest.v1+json"
)

// RegistryConfig describes the image pulled by the registry probe.
type RegistryConfig struct {
	URL          string `mapstructure:"url"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Project      string `mapstructure:"project"`
	Image        string `mapstructure:"image"`
	Tag          string `mapstructure:"tag"`
	AuthMode     string `mapstructure:"auth_mode"`
	TokenService string `mapstructure:"token_service"`

	FetchLayer    bool  `mapstructure:"fetch_layer"`
	MinLayerBytes int64 `mapstructure:"min_layer_bytes"`
	MaxLayerBytes int64 `mapstructure:"max_layer_bytes"`

	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	ManifestTimeout time.Duration `mapstructure:"manifest_timeout"`
	LayerTimeout    time.Duration `mapstructure:"layer_timeout"`
}

// RegistryProbe authenticates, fetches a manifest and optionally the
// first layer blob of the configured image.
type RegistryProbe struct {
	cfg    RegistryConfig
	client Doer
}

func NewRegistryProbe(cfg RegistryConfig, client Doer) *RegistryProbe {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthBasic
	}
	if cfg.TokenService == "" {
		cfg.TokenService = "harbor-registry"
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 30 * time.Second
	}
	if cfg.ManifestTimeout == 0 {
		cfg.ManifestTimeout = 60 * time.Second
	}
	if cfg.LayerTimeout == 0 {
		cfg.LayerTimeout = 120 * time.Second
	}
	return &RegistryProbe{cfg: cfg, client: client}
}

func (p *RegistryProbe) Kind() Kind { return Registry }

type manifest struct {
	SchemaVersion int `json:"schemaVersion"`
	Layers        []struct {
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	} `json:"layers"`
}

func (p *RegistryProbe) Invoke(ctx context.Context, _ *rand.Rand) Result {
	t := begin(Registry)

	authz, err := p.authorize(ctx)
	if err != nil {
		return t.failWith(err)
	}

	m, status, err := p.fetchManifest(ctx, authz, t)
	if err != nil {
		return t.failWith(err)
	}

	if p.cfg.FetchLayer && len(m.Layers) > 0 {
		t.check("layer", p.fetchLayer(ctx, authz, m.Layers[0].Digest, t))
	}
	return t.ok(status)
}

func (p *RegistryProbe) repo() string {
	return p.cfg.Project + "/" + p.cfg.Image
}

// authorize returns the Authorization header value for registry requests.
func (p *RegistryProbe) authorize(ctx context.Context) (string, error) {
	if p.cfg.AuthMode != AuthBearer {
		return basicAuth(p.cfg.Username, p.cfg.Password), nil
	}

	q := url.Values{}
	q.Set("service", p.cfg.TokenService)
	q.Set("scope", fmt.Sprintf("repository:%s:pull", p.repo()))
	req, err := http.NewRequest(http.MethodGet, p.cfg.URL+"/service/token?"+q.Encode(), nil)
	if err != nil {
		return "", transportFailure(err)
	}
	req.SetBasicAuth(p.cfg.Username, p.cfg.Password)

	resp, err := exchange(ctx, p.client, p.cfg.AuthTimeout, req, true)
	if err != nil {
		return "", transportFailure(err)
	}
	if resp.status != http.StatusOK {
		return "", protocolFailure(resp.status, resp.body)
	}
	var tok struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.body, &tok); err != nil {
		return "", validationFailure(resp.status, "token response: %v", err)
	}
	if tok.Token == "" {
		tok.Token = tok.AccessToken
	}
	if tok.Token == "" {
		return "", validationFailure(resp.status, "token response has no token field")
	}
	return "Bearer " + tok.Token, nil
}

func (p *RegistryProbe) fetchManifest(ctx context.Context, authz string, t *tracker) (*manifest, int, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", p.cfg.URL, p.repo(), p.cfg.Tag)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, transportFailure(err)
	}
	req.Header.Set("Authorization", authz)
	req.Header.Set("Accept", manifestV2+", "+manifestOCI)

	resp, err := exchange(ctx, p.client, p.cfg.ManifestTimeout, req, true)
	if err != nil {
		return nil, 0, transportFailure(err)
	}
	t.res.Bytes += resp.n
	if resp.status != http.StatusOK {
		return nil, resp.status, protocolFailure(resp.status, resp.body)
	}

	var m manifest
	if err := json.Unmarshal(resp.body, &m); err != nil {
		return nil, resp.status, validationFailure(resp.status, "manifest: %v", err)
	}
	if m.SchemaVersion != 2 {
		return nil, resp.status, validationFailure(resp.status, "manifest schemaVersion %d", m.SchemaVersion)
	}
	return &m, resp.status, nil
}

// fetchLayer downloads one blob and reports whether it passed its check.
func (p *RegistryProbe) fetchLayer(ctx context.Context, authz, digest string, t *tracker) bool {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", p.cfg.URL, p.repo(), digest)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", authz)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := exchange(ctx, p.client, p.cfg.LayerTimeout, req, false)
	if err != nil {
		return false
	}
	t.res.Bytes += resp.n
	if resp.status != http.StatusOK || resp.n == 0 {
		return false
	}
	if p.cfg.MinLayerBytes > 0 && resp.n < p.cfg.MinLayerBytes {
		return false
	}
	if p.cfg.MaxLayerBytes > 0 && resp.n > p.cfg.MaxLayerBytes {
		return false
	}
	return true
}

// failWith converts a step error into a failed Result.
func (t *tracker) failWith(err error) Result {
	var f *failure
	if errors.As(err, &f) {
		return t.fail(f.kind, f.status, f.detail)
	}
	return t.fail(FailureTransport, 0, classifyErr(err))
}
