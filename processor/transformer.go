package processor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"kassette.ai/sailthru-writer/backendconfig"
)

var (
	jsonfast     = jsoniter.ConfigCompatibleWithStandardLibrary
	jsonNumberRe = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?$`)
	jsonNull     = []byte("null")
)

// Convert renders a cell value as a JSON literal of the given type.
// Empty cells become null for every type except string.
func Convert(value string, dataType backendconfig.DataTypeT) ([]byte, error) {
	switch dataType {
	case backendconfig.DataTypeString:
		return toString(value)
	case backendconfig.DataTypeNumber:
		return toNumber(value)
	case backendconfig.DataTypeBool:
		return toBool(value)
	case backendconfig.DataTypeObject:
		return toObject(value)
	}
	return nil, fmt.Errorf("unknown data type %q", dataType)
}

// Infer renders numbers and true/false as their JSON types and everything else as a string.
func Infer(value string) ([]byte, error) {
	if jsonNumberRe.MatchString(value) && isFinite(value) {
		return []byte(value), nil
	}
	if strings.EqualFold(value, "true") {
		return []byte("true"), nil
	}
	if strings.EqualFold(value, "false") {
		return []byte("false"), nil
	}
	return toString(value)
}

func toString(value string) ([]byte, error) {
	return jsonfast.Marshal(value)
}

func toNumber(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return jsonNull, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("value %q is not a number", value)
	}
	if jsonNumberRe.MatchString(v) {
		return []byte(v), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// isFinite reports whether a JSON number literal fits a float64.
func isFinite(value string) bool {
	f, err := strconv.ParseFloat(value, 64)
	return err == nil && !math.IsInf(f, 0)
}

func toBool(value string) ([]byte, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return jsonNull, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("value %q is not a boolean", value)
	}
	return []byte(strconv.FormatBool(b)), nil
}

func toObject(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return jsonNull, nil
	}
	if !gjson.Valid(v) {
		return nil, fmt.Errorf("value %q is not valid JSON", value)
	}
	return []byte(v), nil
}
