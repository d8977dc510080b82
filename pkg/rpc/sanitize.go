package rpc

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Sanitizer bounds per spec §4.8.a.
const (
	MaxDepth       = 16
	MaxStringLen   = 32768
	MaxListLen     = 1024
	MaxMapLen      = 1024
	MaxKeyLen      = 256
	MaxBytes       = 65536
	MaxChars       = 16384
	MaxErrorLen    = 500
)

// SanitizeError reports a value rejected by the sanitizer, carrying the
// wire ErrorCode the dispatcher should attach to the response.
type SanitizeError struct {
	Code ErrorCode
	Path string
	Msg  string
}

func (e *SanitizeError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Msg)
}

// Sanitize recursively validates and normalizes v per spec §4.8.a:
// null/bool/number(->float64)/string(<=32768, NFC-normalized)/list(<=1024)
// /string-keyed-map(<=1024, no __ or $ prefix, key len <=256), depth<=16.
// A map[string]any comes back as a map[string]any and so carries no key
// order; an *OrderedMap (as DecodeOrdered produces) comes back as an
// *OrderedMap with its key order kept.
func Sanitize(v any) (any, error) {
	return sanitizeAt(v, 0, "$")
}

func sanitizeAt(v any, depth int, path string) (any, error) {
	if depth > MaxDepth {
		return nil, &SanitizeError{Code: ErrMaxNestingDepth, Path: path, Msg: fmt.Sprintf("depth %d exceeds %d", depth, MaxDepth)}
	}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		return sanitizeString(val, path)
	case []any:
		return sanitizeList(val, depth, path)
	case map[string]any:
		return sanitizeMap(val, depth, path)
	case *OrderedMap:
		return sanitizeOrderedMap(val, depth, path)
	default:
		return nil, &SanitizeError{Code: ErrUnsupportedType, Path: path, Msg: fmt.Sprintf("type %T is not a sanitizable JSON value", v)}
	}
}

func sanitizeString(s string, path string) (string, error) {
	normalized := norm.NFC.String(s)
	if len([]rune(normalized)) > MaxStringLen {
		return "", &SanitizeError{Code: ErrInvalidArgument, Path: path, Msg: fmt.Sprintf("string length exceeds %d", MaxStringLen)}
	}
	return normalized, nil
}

func sanitizeList(list []any, depth int, path string) ([]any, error) {
	if len(list) > MaxListLen {
		return nil, &SanitizeError{Code: ErrMaxArrayLength, Path: path, Msg: fmt.Sprintf("array length %d exceeds %d", len(list), MaxListLen)}
	}
	out := make([]any, len(list))
	for i, item := range list {
		sanitized, err := sanitizeAt(item, depth+1, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = sanitized
	}
	return out, nil
}

func validateKey(key, path string) error {
	if len(key) > MaxKeyLen {
		return &SanitizeError{Code: ErrKeyTooLong, Path: path, Msg: fmt.Sprintf("key %q exceeds %d chars", key, MaxKeyLen)}
	}
	if strings.HasPrefix(key, "__") || strings.HasPrefix(key, "$") {
		return &SanitizeError{Code: ErrForbiddenKey, Path: path, Msg: fmt.Sprintf("key %q uses a reserved prefix", key)}
	}
	return nil
}

func sanitizeMap(m map[string]any, depth int, path string) (map[string]any, error) {
	if len(m) > MaxMapLen {
		return nil, &SanitizeError{Code: ErrMaxObjectKeys, Path: path, Msg: fmt.Sprintf("object key count %d exceeds %d", len(m), MaxMapLen)}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if err := validateKey(k, path+"."+k); err != nil {
			return nil, err
		}
		sanitized, err := sanitizeAt(v, depth+1, path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = sanitized
	}
	return out, nil
}

// OrderedMap preserves JSON object insertion order, since Go's map[string]any
// does not. Packet ingress decodes into an OrderedMap (see decode.go) so
// "Map iteration preserves insertion order" (spec §4.8.a) holds for args
// forwarded to methods.
type OrderedMap struct {
	Keys   []string
	Values map[string]any
}

// NewOrderedMap constructs an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{Values: make(map[string]any)}
}

// Set appends key (if new) and stores value, preserving first-seen order.
func (o *OrderedMap) Set(key string, value any) {
	if _, exists := o.Values[key]; !exists {
		o.Keys = append(o.Keys, key)
	}
	o.Values[key] = value
}

// Len returns the number of keys.
func (o *OrderedMap) Len() int { return len(o.Keys) }

func sanitizeOrderedMap(m *OrderedMap, depth int, path string) (*OrderedMap, error) {
	if m.Len() > MaxMapLen {
		return nil, &SanitizeError{Code: ErrMaxObjectKeys, Path: path, Msg: fmt.Sprintf("object key count %d exceeds %d", m.Len(), MaxMapLen)}
	}
	out := NewOrderedMap()
	for _, k := range m.Keys {
		if err := validateKey(k, path+"."+k); err != nil {
			return nil, err
		}
		sanitized, err := sanitizeAt(m.Values[k], depth+1, path+"."+k)
		if err != nil {
			return nil, err
		}
		out.Set(k, sanitized)
	}
	return out, nil
}

var (
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	uuidPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
)

// SanitizeErrorMessage redacts IPv4 literals and UUIDs from a user-thrown
// error message before it crosses the wire, then truncates to MaxErrorLen
// (spec §4.8: "Error messages are sanitized").
func SanitizeErrorMessage(msg string) string {
	msg = ipv4Pattern.ReplaceAllString(msg, "[IP]")
	msg = uuidPattern.ReplaceAllString(msg, "[UUID]")
	if len(msg) > MaxErrorLen {
		msg = msg[:MaxErrorLen]
	}
	return msg
}
