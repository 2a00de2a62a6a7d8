/*Package schema validates inbound message payloads against the per-kind
JSON schemas embedded in this package.
*/
package schema

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator validates message payloads against the schema for their kind.
// Schemas are looked up by name, e.g. "telemetry" or "shadow-reported".
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// MustNewValidator compiles the embedded schemas. It panics on a broken
// schema, which is a build defect, not a runtime condition.
func MustNewValidator() *Validator {
	v, err := newValidatorFromFS(schemaFS)
	if err != nil {
		panic(err)
	}
	return v
}

func newValidatorFromFS(fs embed.FS) (*Validator, error) {
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}

	files, err := fs.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("cannot read schema dir %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		str, err := fs.ReadFile("schemas/" + f.Name())
		if err != nil {
			return nil, fmt.Errorf("cannot read schema '%s' %w", f.Name(), err)
		}

		type schema struct {
			ID string `json:"$id"`
		}
		s := schema{}
		if err := json.Unmarshal(str, &s); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, f.Name())
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema %s does not contain $id", f.Name())
		}

		sl := gojsonschema.NewSchemaLoader()
		compiled, err := sl.Compile(gojsonschema.NewBytesLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		name := strings.TrimSuffix(f.Name(), ".json")
		validator.schemaValidators[name] = compiled
	}
	return &validator, nil
}

// HasSchema returns true if a schema with this name is known
func (v *Validator) HasSchema(name string) bool {
	_, ok := v.schemaValidators[name]
	return ok
}

// ValidateBytes validates the given json document against the named schema.
// If no error is returned, then the passed json is valid.
func (v *Validator) ValidateBytes(payload []byte, name string) error {
	schema, ok := v.schemaValidators[name]
	if !ok {
		return fmt.Errorf("there is no schema %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s %s", name, err)
	}

	if !result.Valid() {
		msg := "the document is not valid :\n"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("- %s\n", e)
		}
		return errors.New(msg)
	}
	return nil
}
