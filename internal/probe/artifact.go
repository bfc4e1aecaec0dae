package probe

import (
	"cmp"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/dispatch"
)

// WeightedPath is one download candidate. Path may contain template calls.
type WeightedPath struct {
	Path   string  `mapstructure:"path"`
	Weight float64 `mapstructure:"weight"`
}

type ArtifactConfig struct {
	URL      string         `mapstructure:"url"`
	Username string         `mapstructure:"username"`
	Password string         `mapstructure:"password"`
	Repo     string         `mapstructure:"repo"`
	Files    []WeightedPath `mapstructure:"files"`
	Timeout  time.Duration  `mapstructure:"timeout"`
}

// DefaultArtifactFiles are the binaries the pull scenario rotates through.
var DefaultArtifactFiles = []WeightedPath{
	{Path: "test/testfile-15mb.bin", Weight: 1},
	{Path: "test/testfile-20mb.bin", Weight: 1},
	{Path: "test/testfile-25mb.bin", Weight: 1},
	{Path: "test/testfile-30mb.bin", Weight: 1},
}

// ArtifactProbe downloads one file picked from a weighted candidate set.
type ArtifactProbe struct {
	cfg       ArtifactConfig
	client    Doer
	engine    *TemplateEngine
	templates []*template.Template
	table     *dispatch.Table[int]
}

func NewArtifactProbe(cfg ArtifactConfig, client Doer, engine *TemplateEngine) (*ArtifactProbe, error) {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if len(cfg.Files) == 0 {
		cfg.Files = DefaultArtifactFiles
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if engine == nil {
		engine = NewTemplateEngine()
	}

	p := &ArtifactProbe{cfg: cfg, client: client, engine: engine}
	weights := make(map[int]float64, len(cfg.Files))
	for i, f := range cfg.Files {
		if f.Weight < 0 {
			return nil, fmt.Errorf("artifact file %q: negative weight", f.Path)
		}
		tmpl, err := engine.Parse(fmt.Sprintf("file-%d", i), f.Path)
		if err != nil {
			return nil, fmt.Errorf("artifact file %q: %w", f.Path, err)
		}
		p.templates = append(p.templates, tmpl)
		weights[i] = f.Weight
	}

	table, err := dispatch.NewTable(dispatch.Normalize(weights), cmp.Compare[int])
	if err != nil {
		return nil, err
	}
	p.table = table
	return p, nil
}

func (p *ArtifactProbe) Kind() Kind { return ArtifactRepo }

func (p *ArtifactProbe) Invoke(ctx context.Context, rng *rand.Rand) Result {
	t := begin(ArtifactRepo)

	path, err := p.choose(rng)
	if err != nil {
		return t.fail(FailureValidation, 0, err.Error())
	}

	u := fmt.Sprintf("%s/%s/%s", p.cfg.URL, p.cfg.Repo, strings.TrimLeft(path, "/"))
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return t.failWith(transportFailure(err))
	}
	req.SetBasicAuth(p.cfg.Username, p.cfg.Password)

	resp, err := exchange(ctx, p.client, p.cfg.Timeout, req, false)
	if err != nil {
		return t.failWith(transportFailure(err))
	}
	t.res.Bytes = resp.n
	if resp.status != http.StatusOK {
		return t.failWith(protocolFailure(resp.status, resp.body))
	}
	if resp.n == 0 {
		return t.fail(FailureValidation, resp.status, "empty body for "+path)
	}
	return t.ok(resp.status)
}

func (p *ArtifactProbe) choose(rng *rand.Rand) (string, error) {
	i, ok := p.table.Pick(rng)
	if !ok {
		// Float rounding can leave a sliver of idle mass after Normalize.
		i = len(p.templates) - 1
	}
	return p.engine.Execute(p.templates[i])
}
