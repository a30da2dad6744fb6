package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	invopopSchema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"aeternum/internal/domain"
)

// ErrInvalidDocument wraps every schema violation reported by ValidateDocument.
var ErrInvalidDocument = errors.New("config: document does not match schema")

// schemaMarshal is package-level so tests can force the marshal error path.
var schemaMarshal = func(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Schema returns the JSON Schema of domain.Config. Only fields tagged
// required are mandatory; unknown keys are rejected.
func Schema() (string, error) {
	reflector := invopopSchema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := reflector.Reflect(&domain.Config{})
	s.Title = "aeternum configuration"
	data, err := schemaMarshal(s)
	if err != nil {
		return "", fmt.Errorf("config schema: %w", err)
	}
	return string(data), nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var src string
		src, compileErr = Schema()
		if compileErr != nil {
			return
		}
		compiled, compileErr = jsonschema.CompileString("aeternum.schema.json", src)
	})
	return compiled, compileErr
}

// ValidateDocument checks a raw JSON config document against Schema.
func ValidateDocument(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config parse: %w", err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}
