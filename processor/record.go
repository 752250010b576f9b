package processor

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RowIDKey identifies the source row inside every record. It is never sent to the API.
const RowIDKey = "row_id"

// RecordT is one converted input row as a JSON object.
type RecordT struct {
	// Line is the CSV record number the row came from (the header row is line 1).
	Line    int
	Payload []byte
}

func (r RecordT) HasRowID() bool {
	return gjson.GetBytes(r.Payload, RowIDKey).Exists()
}

// RowID returns the row identifier as it appeared in the input.
func (r RecordT) RowID() string {
	res := gjson.GetBytes(r.Payload, RowIDKey)
	if res.Type == gjson.String {
		return res.Str
	}
	return res.Raw
}

// Strip returns a copy of the payload without the row_id key.
func (r RecordT) Strip() ([]byte, error) {
	return sjson.DeleteBytes(r.Payload, RowIDKey)
}
