package cmdutil

import (
	"encoding/json"
	"io"
)

// WriteJSON writes v as a single JSON line to w.
func WriteJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
