// Package topics loads per-topic JSON configuration files, validates them
// against a JSON Schema and keeps them current as files change.
package topics

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

const schemaURL = "topic.schema.json"

//go:embed topic.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse topic schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err = c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add topic schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// ErrInvalidTopic wraps every validation failure of a topic file.
var ErrInvalidTopic = errors.New("invalid topic configuration")

// Parse validates data against the topic schema and decodes it. Legacy
// source kinds are normalized.
func Parse(data []byte) (*domain.TopicConfig, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if err = sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}

	var cfg domain.TopicConfig
	if err = json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}

	names := make(map[string]struct{}, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if _, dup := names[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate source name %q", ErrInvalidTopic, s.Name)
		}
		names[s.Name] = struct{}{}
	}
	return &cfg, nil
}

// LoadDir reads every *.json file in dir. Any invalid file or duplicate slug
// fails the whole load. A missing directory yields no topics.
func LoadDir(dir string) ([]*domain.TopicConfig, error) {
	cfgs, _, err := loadDir(dir)
	return cfgs, err
}

// loadDir is LoadDir that also returns the file each slug came from.
func loadDir(dir string) ([]*domain.TopicConfig, map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, map[string]string{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read topics dir %s: %w", dir, err)
	}

	bySlug := make(map[string]string)
	var out []*domain.TopicConfig
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, nil, fmt.Errorf("read topic file %s: %w", path, readErr)
		}
		cfg, parseErr := Parse(data)
		if parseErr != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, parseErr)
		}
		if prev, dup := bySlug[cfg.Slug]; dup {
			return nil, nil, fmt.Errorf("%w: slug %q defined in both %s and %s", ErrInvalidTopic, cfg.Slug, prev, path)
		}
		bySlug[cfg.Slug] = path
		out = append(out, cfg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, bySlug, nil
}
