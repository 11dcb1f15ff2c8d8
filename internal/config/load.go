package config

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	bferrors "github.com/fenderchamp/bullfinch/internal/errors"
	"github.com/fenderchamp/bullfinch/internal/jsoncodec"
)

// maxRefDepth bounds chains of worker references.
const maxRefDepth = 8

// Loaded is the outcome of Load.
type Loaded struct {
	Document Document
	// Sources has one record per distinct document read, root first.
	Sources []SourceRecord
}

// Load reads the root document, replaces every referencing worker entry
// with the document it references and validates the result. Every error is
// a ConfigurationError.
func Load(ctx context.Context, root Source) (*Loaded, error) {
	if root == nil {
		return nil, bferrors.NewConfigurationError(bferrors.ErrSourceRequired)
	}

	l := &loader{seen: make(map[string]bool)}
	raw, err := l.read(ctx, root)
	if err != nil {
		return nil, bferrors.NewConfigurationError(err)
	}

	workersRaw, ok := raw["workers"]
	if !ok || workersRaw == nil {
		return nil, bferrors.Configurationf("%s: need a list of workers", root.Location())
	}
	entries, ok := workersRaw.([]any)
	if !ok {
		return nil, bferrors.Configurationf("%s: workers must be a list", root.Location())
	}
	delete(raw, "workers")

	var doc Document
	if err := decode(raw, &doc); err != nil {
		return nil, bferrors.Configurationf("%s: %w", root.Location(), err)
	}
	if v, ok := raw["config_refresh_seconds"]; !ok || v == nil {
		doc.ConfigRefreshSeconds = DefaultRefreshSeconds
	}

	var errs []error
	for i, entry := range entries {
		w, err := l.worker(ctx, root, entry, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("workers[%d]: %w", i, err))
			continue
		}
		doc.Workers = append(doc.Workers, w)
	}
	if len(errs) > 0 {
		return nil, bferrors.NewConfigurationError(errors.Join(errs...))
	}

	if doc.Performance != nil {
		doc.Performance.applyDefaults()
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}

	return &Loaded{Document: doc, Sources: l.records}, nil
}

// Validate checks a loaded document. A non-nil result is a
// ConfigurationError joining every problem found.
func Validate(doc Document) error {
	var errs []error

	if doc.ConfigRefreshSeconds <= 0 {
		errs = append(errs, fmt.Errorf("config_refresh_seconds must be positive, got %d", doc.ConfigRefreshSeconds))
	}
	if doc.Performance != nil {
		errs = append(errs, doc.Performance.validate()...)
	}
	for i, w := range doc.Workers {
		for _, err := range validateWorker(w) {
			errs = append(errs, fmt.Errorf("workers[%d] (%s): %w", i, w.Origin, err))
		}
	}

	return bferrors.NewConfigurationError(errors.Join(errs...))
}

func validateWorker(w WorkerConfig) []error {
	var errs []error
	if strings.TrimSpace(w.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(w.WorkerClass) == "" {
		errs = append(errs, errors.New("worker_class is required"))
	}
	if w.WorkerCount != nil && *w.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker_count must be at least 1, got %d", *w.WorkerCount))
	}
	if w.Options == nil {
		errs = append(errs, errors.New("options is required"))
		return errs
	}
	if _, err := w.Queue(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

type loader struct {
	seen    map[string]bool
	records []SourceRecord
}

// read fetches and decodes one document, recording it the first time it is
// seen.
func (l *loader) read(ctx context.Context, src Source) (map[string]any, error) {
	data, modified, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src.Location(), err)
	}
	doc, err := parse(src.Location(), data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", src.Location(), err)
	}
	if !l.seen[src.Location()] {
		l.seen[src.Location()] = true
		l.records = append(l.records, SourceRecord{Source: src, LastModified: modified})
	}
	return doc, nil
}

// worker decodes one workers entry. An entry carrying "$ref" (or "ref") is
// replaced in full by the referenced document, which may itself refer on.
func (l *loader) worker(ctx context.Context, from Source, entry any, depth int) (WorkerConfig, error) {
	m, ok := entry.(map[string]any)
	if !ok {
		return WorkerConfig{}, fmt.Errorf("entry must be an object, got %T", entry)
	}

	if ref := reference(m); ref != "" {
		if depth >= maxRefDepth {
			return WorkerConfig{}, fmt.Errorf("reference chain deeper than %d at %q", maxRefDepth, ref)
		}
		target, err := from.Resolve(ref)
		if err != nil {
			return WorkerConfig{}, err
		}
		referenced, err := l.read(ctx, target)
		if err != nil {
			return WorkerConfig{}, err
		}
		return l.worker(ctx, target, referenced, depth+1)
	}

	var w WorkerConfig
	if err := decode(m, &w); err != nil {
		return WorkerConfig{}, err
	}
	w.Origin = from.Location()
	return w, nil
}

func reference(m map[string]any) string {
	for _, key := range []string{"$ref", "ref"} {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parse decodes a document. Locations ending in .yaml or .yml are YAML,
// everything else is JSON.
func parse(location string, data []byte) (map[string]any, error) {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	switch strings.ToLower(path.Ext(location)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, errors.New("expected a mapping")
		}
		return doc, nil
	default:
		return jsoncodec.DecodeObject(data)
	}
}

func decode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
