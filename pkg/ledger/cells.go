package ledger

import "encoding/json"

// marshalCells encodes a cells patch for merging into a JSON payload column.
func marshalCells(cells map[string]any) ([]byte, error) {
	return json.Marshal(cells)
}
