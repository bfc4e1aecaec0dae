package probe

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// TemplateEngine expands request paths such as
// "test/testfile-{{randomInt 15 31}}mb.bin".
type TemplateEngine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap

	rngMu sync.Mutex
	rng   *rand.Rand
}

// TemplateData is passed to the execution context
type TemplateData struct {
	UUID string
}

func NewTemplateEngine() *TemplateEngine {
	return NewSeededTemplateEngine(time.Now().UnixNano())
}

// NewSeededTemplateEngine draws randomInt, randomChoice and randomLine
// picks from a source seeded with seed.
func NewSeededTemplateEngine(seed int64) *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
		rng:       rand.New(rand.NewSource(seed)),
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
	}

	return e
}

// Preprocess converts the short form {{uuid}} to {{.UUID}}.
func (e *TemplateEngine) Preprocess(input string) string {
	s := strings.ReplaceAll(input, "{{uuid}}", "{{.UUID}}")
	s = strings.ReplaceAll(s, "{{requestID}}", "{{.UUID}}")
	return s
}

// Parse creates a new template with the engine's functions
func (e *TemplateEngine) Parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(e.funcMap).Parse(e.Preprocess(text))
}

// Execute runs the template with fresh data
func (e *TemplateEngine) Execute(t *template.Template) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, TemplateData{UUID: uuid.New().String()}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- Functions ---

func (e *TemplateEngine) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

func (e *TemplateEngine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return e.intn(max-min) + min
}

func (e *TemplateEngine) randomUUID() string {
	return uuid.New().String()
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[e.intn(len(choices))]
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()

	if !ok {
		var err error
		lines, err = e.load(filename)
		if err != nil {
			return "", err
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[e.intn(len(lines))], nil
}

func (e *TemplateEngine) load(filename string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if lines, ok := e.fileCache[filename]; ok {
		return lines, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}

	e.fileCache[filename] = loaded
	return loaded, nil
}
