package agentloop

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/localagent/localagent/pkg/tool"
)

// schemaValidator compiles and caches a jsonschema.Schema per tool name so
// PLAN-step argument validation (spec §4.6 step 4a) never recompiles a
// schema on the hot path.
type schemaValidator struct {
	cache sync.Map // tool name -> *jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{}
}

func (v *schemaValidator) compile(t tool.Tool) (*jsonschema.Schema, error) {
	if cached, ok := v.cache.Load(t.Name()); ok {
		return cached.(*jsonschema.Schema), nil
	}

	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return nil, fmt.Errorf("agentloop: marshal schema for %s: %w", t.Name(), err)
	}

	compiled, err := jsonschema.CompileString(t.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("agentloop: compile schema for %s: %w", t.Name(), err)
	}
	v.cache.Store(t.Name(), compiled)
	return compiled, nil
}

// Validate checks args against t's declared parameter schema. A nil error
// means args satisfies the schema; any other error is the schema_violation
// detail fed back to the planner.
func (v *schemaValidator) Validate(t tool.Tool, args map[string]any) error {
	schema, err := v.compile(t)
	if err != nil {
		return err
	}

	// jsonschema validates decoded JSON values (map[string]interface{} with
	// float64 numbers), not Go-native types, so round-trip through JSON
	// exactly as the donor's plugin schema validator does.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}
