package tool

import (
	"encoding/json"

	"github.com/localagent/localagent/pkg/tool/builtin"
)

// Tool represents a tool that can be called by the agent loop.
type Tool interface {
	Name() string
	Description() string
	Parameters() builtin.ParameterSchema
	Execute(params map[string]any) (*builtin.Result, error)
}

// ToOpenAIFunction converts a tool to OpenAI function calling format
func ToOpenAIFunction(t Tool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Parameters(),
		},
	}
}

// ToJSON converts a result to JSON
func ToJSON(r *builtin.Result) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON parses a result from JSON
func FromJSON(jsonStr string) (*builtin.Result, error) {
	var result builtin.Result
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
