package builtin

import (
	"strconv"
	"strings"
)

func parseInt(value any, defaultVal int) int {
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return defaultVal
		}
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		return i
	default:
		return defaultVal
	}
}
