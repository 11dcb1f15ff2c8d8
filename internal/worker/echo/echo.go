// Package echo is the simplest worker: it sends a request's items back.
package echo

import (
	"context"
	"iter"

	"github.com/fenderchamp/bullfinch/internal/jsoncodec"
	"github.com/fenderchamp/bullfinch/internal/telemetry"
	"github.com/fenderchamp/bullfinch/internal/worker"
)

const Class = "echo"

// Handler yields each element of the request field named by the "field"
// option (default "items"). Strings are sent verbatim and anything else as
// JSON. Without that field the whole request is sent back as one payload.
type Handler struct {
	field string
}

func New() worker.Handler {
	return &Handler{field: "items"}
}

func (h *Handler) Configure(options map[string]any) error {
	var opts struct {
		Field string `mapstructure:"field"`
	}
	if err := worker.DecodeOptions(options, &opts); err != nil {
		return err
	}
	if opts.Field != "" {
		h.field = opts.Field
	}
	return nil
}

func (h *Handler) Handle(ctx context.Context, _ telemetry.Collector, req worker.Request) (iter.Seq2[string, error], error) {
	v, ok := req[h.field]
	if !ok {
		whole, err := jsoncodec.MarshalString(map[string]any(req))
		if err != nil {
			return nil, err
		}
		return worker.Items(whole), nil
	}

	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	return func(yield func(string, error) bool) {
		for _, item := range items {
			if ctx.Err() != nil {
				yield("", worker.ErrHandlerTimeout)
				return
			}
			s, err := encode(item)
			if !yield(s, err) || err != nil {
				return
			}
		}
	}, nil
}

func encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return jsoncodec.MarshalString(v)
}
