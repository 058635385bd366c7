package manifest

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	sigyaml "sigs.k8s.io/yaml"
)

// manifestSchema is the JSON schema the manifest is checked against before
// decoding. It covers shape and enumerations; relational rules (mutually
// exclusive source fields and the like) live in validate.
//
//go:embed schema.json
var manifestSchema string

// compiledSchema panics at startup on a broken embedded schema,
// same as regexp.MustCompile would.
//
//nolint:gochecknoglobals // The schema is static and compiled once.
var compiledSchema = jsonschema.MustCompileString("packages.schema.json", manifestSchema)

// validateSchema checks the raw manifest YAML against the embedded schema.
func validateSchema(contents []byte) error {
	jsonContents, err := sigyaml.YAMLToJSON(contents)
	if err != nil {
		return &Error{Reason: fmt.Sprintf("convert to JSON: %v", err)}
	}

	var document any
	if err = json.Unmarshal(jsonContents, &document); err != nil {
		return &Error{Reason: fmt.Sprintf("decode JSON: %v", err)}
	}

	if err = compiledSchema.Validate(document); err != nil {
		return schemaError(err)
	}

	return nil
}

// schemaError converts a schema violation into *Error, pointing at the
// most specific failing location the validator reports.
func schemaError(err error) error {
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return &Error{Reason: fmt.Sprintf("schema: %v", err)}
	}

	leaf := validationErr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	return &Error{Field: leaf.InstanceLocation, Reason: leaf.Message}
}
