// Package utils holds small reflection helpers shared by the CLI.
package utils

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// ToJSONSchema reflects T into its JSON schema document. The schema
// command uses it to print the shape of the config file.
func ToJSONSchema[T any]() (string, error) {
	schema := jsonschema.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeUnknown, "marshal json schema", err)
	}

	return string(raw), nil
}
