package processor

import (
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/sjson"
	"kassette.ai/sailthru-writer/backendconfig"
	"kassette.ai/sailthru-writer/misc"
	"kassette.ai/sailthru-writer/utils/logger"
)

// RowReaderI is the row source of a stream. *csv.Reader satisfies it.
type RowReaderI interface {
	Read() ([]string, error)
}

// ConverterT turns flat rows into nested JSON records. Column names are split on the
// nesting delimiter, so "a__b" with value v becomes {"a":{"b":v}}.
type ConverterT struct {
	delimiter   string
	inferTypes  bool
	columnTypes map[string]backendconfig.DataTypeT
}

func NewConverter(delimiter string, inferTypes bool, columnTypes map[string]backendconfig.DataTypeT) *ConverterT {
	if delimiter == "" {
		delimiter = backendconfig.DefaultNestingDelimiter
	}
	return &ConverterT{
		delimiter:   delimiter,
		inferTypes:  inferTypes,
		columnTypes: columnTypes,
	}
}

type columnT struct {
	name     string
	path     string
	dataType backendconfig.DataTypeT
}

// StreamT yields one record per row, in input order. It reads the underlying rows lazily
// and cannot be restarted.
type StreamT struct {
	converter *ConverterT
	columns   []columnT
	reader    RowReaderI
	line      int
	started   bool
	done      bool
}

// ConvertStream prepares a stream over reader. The first row the reader yields is discarded
// before conversion starts, callers pass the CSV header row through as that first row.
func (c *ConverterT) ConvertStream(header []string, reader RowReaderI) (*StreamT, error) {
	columns := make([]columnT, len(header))
	for i, name := range header {
		path, err := c.jsonPath(name)
		if err != nil {
			return nil, err
		}
		columns[i] = columnT{name: name, path: path, dataType: c.columnTypes[name]}
	}
	if err := checkPathCollisions(columns); err != nil {
		return nil, err
	}
	return &StreamT{converter: c, columns: columns, reader: reader}, nil
}

// checkPathCollisions rejects a column whose key is also the parent object of another column,
// such as "a" next to "a__b". One of the two values would be lost.
func checkPathCollisions(columns []columnT) error {
	leaves := make(map[string]string, len(columns))
	for _, col := range columns {
		leaves[col.path] = col.name
	}
	for _, col := range columns {
		for i := 0; i < len(col.path); i++ {
			if col.path[i] == '\\' {
				i++
				continue
			}
			if col.path[i] != '.' {
				continue
			}
			if parent, ok := leaves[col.path[:i]]; ok {
				return misc.NewUserError("column %q holds a value but column %q nests keys under it", parent, col.name)
			}
		}
	}
	return nil
}

// Next returns the next record or io.EOF once the rows are exhausted. Any other error ends
// the stream.
func (s *StreamT) Next() (RecordT, error) {
	if s.done {
		return RecordT{}, io.EOF
	}
	if !s.started {
		s.started = true
		if _, err := s.read(); err != nil {
			if err == io.EOF {
				logger.Warn("The file is empty!")
			}
			return s.stop(err)
		}
	}

	row, err := s.read()
	if err != nil {
		return s.stop(err)
	}
	payload, err := s.convertRow(row)
	if err != nil {
		return s.stop(err)
	}
	return RecordT{Line: s.line, Payload: payload}, nil
}

func (s *StreamT) read() ([]string, error) {
	row, err := s.reader.Read()
	if err == io.EOF {
		return nil, err
	}
	s.line++
	if err != nil {
		return nil, misc.WrapUserError(err, fmt.Sprintf("failed to read input row %d", s.line))
	}
	return row, nil
}

func (s *StreamT) stop(err error) (RecordT, error) {
	s.done = true
	return RecordT{}, err
}

func (s *StreamT) convertRow(row []string) ([]byte, error) {
	if len(row) != len(s.columns) {
		return nil, misc.NewUserError("row %d has %d values but the header has %d columns", s.line, len(row), len(s.columns))
	}

	payload := []byte("{}")
	for i, col := range s.columns {
		raw, err := s.converter.convertValue(col.dataType, row[i])
		if err != nil {
			return nil, misc.WrapUserError(err, fmt.Sprintf("row %d, column %q", s.line, col.name))
		}
		payload, err = sjson.SetRawBytes(payload, col.path, raw)
		if err != nil {
			return nil, fmt.Errorf("row %d, column %q: %w", s.line, col.name, err)
		}
	}
	return payload, nil
}

// convertValue applies the override for the column first, then inference when enabled,
// and keeps the raw string otherwise.
func (c *ConverterT) convertValue(dataType backendconfig.DataTypeT, value string) ([]byte, error) {
	switch {
	case dataType != "":
		return Convert(value, dataType)
	case c.inferTypes:
		return Infer(value)
	default:
		return toString(value)
	}
}

func (c *ConverterT) jsonPath(column string) (string, error) {
	segments := strings.Split(column, c.delimiter)
	for i, segment := range segments {
		if segment == "" {
			return "", misc.NewUserError("column %q produces an empty key with nesting delimiter %q", column, c.delimiter)
		}
		segments[i] = escapePathSegment(segment)
	}
	return strings.Join(segments, "."), nil
}

// escapePathSegment makes a key safe for sjson paths. Digit-only keys get the ':' prefix
// so they stay object keys instead of array indexes.
func escapePathSegment(segment string) string {
	var sb strings.Builder
	if isDigits(segment) {
		sb.WriteByte(':')
	}
	for i := 0; i < len(segment); i++ {
		ch := segment[i]
		if ch < 0x80 && !isWordChar(ch) {
			sb.WriteByte('\\')
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}

func isWordChar(ch byte) bool {
	return ch == '_' || ch == '-' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
