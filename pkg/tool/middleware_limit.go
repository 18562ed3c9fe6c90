package tool

import (
	"encoding/json"
	"strings"

	"github.com/localagent/localagent/pkg/tool/builtin"
)

// ResultSizeLimit truncates oversized tool results using the same
// deterministic head-N/tail-N/elision-marker scheme as the built-in tools'
// own output capture (builtin.TruncateBytes), so a result exactly at
// maxBytes is untouched and one byte over is always truncated and flagged.
func ResultSizeLimit(maxBytes int, marker string) Middleware {
	if marker == "" {
		marker = builtin.DefaultElisionMarker
	}
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*builtin.Result, error) {
			res, err := next(ctx)
			if res == nil || maxBytes <= 0 {
				return res, err
			}
			if hasNativeTruncation(res) {
				return res, err
			}
			if sizeFits(res, maxBytes) {
				return res, err
			}

			setTruncationMetadata(ctx)
			truncateResultStrings(res, maxBytes, marker)
			if sizeFits(res, maxBytes) {
				return res, err
			}

			res.DisplayData = map[string]any{
				"message": "output truncated" + marker,
			}
			res.Data = map[string]any{
				"truncated": true,
			}
			return res, err
		}
	}
}

func sizeFits(res *builtin.Result, maxBytes int) bool {
	if res == nil {
		return true
	}
	data, err := json.Marshal(res)
	if err != nil {
		return false
	}
	return len(data) <= maxBytes
}

func truncateResultStrings(res *builtin.Result, maxBytes int, marker string) {
	if res == nil {
		return
	}
	// Each string field gets its own budget; half the overall cap keeps the
	// marshaled whole comfortably inside maxBytes once JSON overhead is
	// added back in.
	target := maxBytes / 2
	if target <= 0 {
		target = maxBytes
	}
	res.Data = truncateMapStrings(res.Data, target, marker)
	res.DisplayData = truncateMapStrings(res.DisplayData, target, marker)
	if res.Error != "" && len(res.Error) > target {
		res.Error = truncateString(res.Error, target, marker)
	}
}

func truncateMapStrings(data map[string]any, max int, marker string) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for key, val := range data {
		switch v := val.(type) {
		case string:
			out[key] = truncateString(v, max, marker)
		default:
			out[key] = val
		}
	}
	return out
}

func truncateString(value string, max int, marker string) string {
	out, _ := builtin.TruncateBytes([]byte(value), max, marker)
	return string(out)
}

func hasNativeTruncation(res *builtin.Result) bool {
	if res == nil {
		return false
	}
	if res.ShouldAbridge {
		return true
	}
	return hasTruncationFlag(res.Data) || hasTruncationFlag(res.DisplayData)
}

func hasTruncationFlag(data map[string]any) bool {
	if data == nil {
		return false
	}
	for key, value := range data {
		if !strings.Contains(strings.ToLower(key), "truncated") {
			continue
		}
		if truncated, ok := value.(bool); ok && truncated {
			return true
		}
	}
	return false
}

func setTruncationMetadata(ctx *ExecutionContext) {
	if ctx == nil {
		return
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	ctx.Metadata["result_truncated"] = true
}
