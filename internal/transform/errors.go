package transform

import (
	"encoding/json"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// FormatError renders an error payload into the dialect's native error
// envelope. status is only carried on the wire by dialects that include it
// in the body.
func FormatError(d unified.Dialect, typ, code, message string, status int) []byte {
	switch d {
	case unified.DialectMessages:
		raw, _ := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    typ,
				"message": message,
			},
		})
		return raw
	case unified.DialectGemini:
		raw, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": message,
				"status":  typ,
			},
		})
		return raw
	default:
		inner := map[string]any{
			"message": message,
			"type":    typ,
		}
		if code != "" {
			inner["code"] = code
		}
		raw, _ := json.Marshal(map[string]any{"error": inner})
		return raw
	}
}
