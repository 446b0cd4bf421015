package delta

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsledger/forecast-sync/internal/model"
)

// Gate accepts or rejects a delta document before it enters the pipeline.
// A rejected delta is surfaced with field errors and never persisted.
type Gate interface {
	Validate(ctx context.Context, deltaFields model.Document) error
}

// AcceptAll is the gate used when no validation schema is configured.
type AcceptAll struct{}

func (AcceptAll) Validate(ctx context.Context, deltaFields model.Document) error {
	return nil
}

// SchemaGate validates delta documents against a JSON Schema.
type SchemaGate struct {
	schema *jsonschema.Schema
}

// NewSchemaGate compiles the schema at the given path.
func NewSchemaGate(schemaPath string) (*SchemaGate, error) {
	c := jsonschema.NewCompiler()
	schema, err := c.Compile(schemaPath)
	if err != nil {
		return nil, eris.Wrapf(err, "delta: compile schema %s", schemaPath)
	}
	return &SchemaGate{schema: schema}, nil
}

// Validate checks the delta against the schema and converts schema
// violations into a model.ValidationError with per-field messages.
func (g *SchemaGate) Validate(ctx context.Context, deltaFields model.Document) error {
	raw, err := model.EncodeDocument(deltaFields)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return eris.Wrap(err, "delta: decode for validation")
	}

	err = g.schema.Validate(instance)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !eris.As(err, &ve) {
		return eris.Wrap(err, "delta: schema validation")
	}
	return &model.ValidationError{Fields: collectFieldErrors(ve)}
}

func collectFieldErrors(ve *jsonschema.ValidationError) []model.FieldError {
	if len(ve.Causes) == 0 {
		field := ""
		if len(ve.InstanceLocation) > 0 {
			field = ve.InstanceLocation[len(ve.InstanceLocation)-1]
		}
		return []model.FieldError{{Field: field, Message: ve.Error()}}
	}
	var out []model.FieldError
	for _, cause := range ve.Causes {
		out = append(out, collectFieldErrors(cause)...)
	}
	return out
}
