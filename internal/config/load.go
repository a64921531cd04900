package config

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/talgya/ageing-futures/internal/simerr"
)

// Document names, in load order.
const (
	DocBaseline    = "baseline"
	DocTransitions = "transitions"
	DocPolicies    = "policies"
	DocCosts       = "costs"
	DocScoring     = "scoring"
)

var documentNames = []string{DocBaseline, DocTransitions, DocPolicies, DocCosts, DocScoring}

//go:embed defaults/*.json
var defaultsFS embed.FS

//go:embed schemas/*.json
var schemasFS embed.FS

const schemaBaseURL = "https://ageing-futures.local/schemas/"

// LoadDefault loads the bundle embedded in the binary.
func LoadDefault() (*Bundle, error) {
	sub, err := fs.Sub(defaultsFS, "defaults")
	if err != nil {
		return nil, fmt.Errorf("open embedded defaults: %w", err)
	}
	return LoadFS(sub)
}

// Load reads the five documents from a directory on disk.
func Load(dir string) (*Bundle, error) {
	return LoadFS(os.DirFS(dir))
}

// LoadFS reads <name>.json, <name>.yaml or <name>.yml for each of the five
// documents, validates each against its schema, decodes and cross-validates
// the bundle.
func LoadFS(fsys fs.FS) (*Bundle, error) {
	docs := make(map[string][]byte, len(documentNames))
	for _, name := range documentNames {
		raw, err := readDocument(fsys, name)
		if err != nil {
			return nil, err
		}
		docs[name] = raw
	}
	return Parse(docs)
}

// Parse builds a bundle from the JSON encoding of each document.
func Parse(docs map[string][]byte) (*Bundle, error) {
	b := &Bundle{}
	targets := map[string]any{
		DocBaseline:    &b.Baseline,
		DocTransitions: &b.Transitions,
		DocPolicies:    &b.Policies,
		DocCosts:       &b.Costs,
		DocScoring:     &b.Scoring,
	}
	for _, name := range documentNames {
		raw, ok := docs[name]
		if !ok {
			return nil, simerr.Configf(name, "", "document missing")
		}
		if err := validateSchema(name, raw); err != nil {
			return nil, &simerr.ConfigError{Document: name, Reason: "schema validation failed", Err: err}
		}
		if err := json.Unmarshal(raw, targets[name]); err != nil {
			return nil, &simerr.ConfigError{Document: name, Reason: "decode failed", Err: err}
		}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("config bundle loaded",
		"bands", len(b.Baseline.Bands),
		"transitions", len(b.Transitions.Transitions),
		"policies", len(b.Policies.Policies),
		"shocks", len(b.Policies.Shocks),
	)
	return b, nil
}

func readDocument(fsys fs.FS, name string) ([]byte, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		raw, err := fs.ReadFile(fsys, name+ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &simerr.ConfigError{Document: name, Reason: "read failed", Err: err}
		}
		if ext == ".json" {
			return raw, nil
		}
		converted, err := yamlToJSON(raw)
		if err != nil {
			return nil, &simerr.ConfigError{Document: name, Reason: "yaml decode failed", Err: err}
		}
		return converted, nil
	}
	return nil, simerr.Configf(name, "", "no %s.json, %s.yaml or %s.yml found", name, name, name)
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jsonschema.Schema{}
)

func compileSchema(name string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}
	data, err := schemasFS.ReadFile(path.Join("schemas", name+".json"))
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	url := schemaBaseURL + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schemaCache[name] = schema
	return schema, nil
}

func validateSchema(name string, raw []byte) error {
	schema, err := compileSchema(name)
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

// Hash fingerprints the bundle's canonical JSON encoding.
func (b *Bundle) Hash() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
