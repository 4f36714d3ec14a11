// Package template renders ${key} placeholders in task message templates.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Render substitutes ${key} with data[key]. Unknown keys render empty.
// A nil template renders the data itself as JSON.
func Render(tpl *string, data map[string]any) (string, error) {
	if tpl == nil {
		if data == nil {
			data = map[string]any{}
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("marshal template data: %w", err)
		}
		return string(raw), nil
	}

	return placeholder.ReplaceAllStringFunc(*tpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return stringify(data[key])
	}), nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}
