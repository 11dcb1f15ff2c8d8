// Package jsoncodec is the single JSON entry point for bullfinch. Requests,
// results, configuration documents and telemetry batches all go through it.
package jsoncodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// ConfigStd keeps encoding/json compatible output, including sorted map keys.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// DecodeObject decodes data that must hold a single JSON object. Numbers
// decode as json.Number.
func DecodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	r := bytes.NewReader(trimmed)
	dec := defaultConfig.NewDecoder(r)
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	rest, err := io.ReadAll(io.MultiReader(dec.Buffered(), r))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, fmt.Errorf("unexpected data after the JSON object")
	}
	return out, nil
}
