package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateAgainst compiles schema (a JSON-Schema document already parsed
// into a map) and checks raw against it. A schema violation is exactly
// the failure mode spec §4.4 requires routing to the no-decision
// sentinel — never salvaged with ad-hoc regex extraction.
func validateAgainst(schema map[string]any, raw []byte) error {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("llm: marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("llm: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("inline.json")
	if err != nil {
		return fmt.Errorf("llm: compile schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("llm: malformed output: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("llm: schema violation: %w", err)
	}
	return nil
}
