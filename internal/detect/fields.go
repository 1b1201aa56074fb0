package detect

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Limits applied while flattening nested input.
const (
	// MaxFieldDepth bounds recursion into nested objects and arrays.
	MaxFieldDepth = 32
	// MaxFields bounds the number of string leaves collected per source.
	MaxFields = 1000
)

// FieldsFromValues flattens url.Values (query string or form body) into
// "<prefix>.<name>" paths. Repeated values get an index suffix.
func FieldsFromValues(prefix string, values url.Values, into map[string]string) {
	for name, vs := range values {
		if len(into) >= MaxFields {
			return
		}
		// Parameter names are attacker controlled too.
		into[prefix+"#key."+name] = name
		for i, v := range vs {
			path := prefix + "." + name
			if len(vs) > 1 {
				path += "[" + strconv.Itoa(i) + "]"
			}
			into[path] = v
		}
	}
}

// FieldsFromJSON decodes a JSON document and flattens every string leaf.
func FieldsFromJSON(prefix string, data []byte, into map[string]string) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode json body: %w", err)
	}
	flatten(prefix, v, 0, into)
	return nil
}

// cborDecMode decodes maps with arbitrary key types so non-string keys
// do not abort extraction.
var cborDecMode, _ = cbor.DecOptions{
	MaxNestedLevels: MaxFieldDepth + 1,
}.DecMode()

// FieldsFromCBOR decodes a CBOR document and flattens every string leaf.
func FieldsFromCBOR(prefix string, data []byte, into map[string]string) error {
	var v any
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode cbor body: %w", err)
	}
	flatten(prefix, v, 0, into)
	return nil
}

func flatten(path string, v any, depth int, into map[string]string) {
	if depth > MaxFieldDepth || len(into) >= MaxFields {
		return
	}
	switch val := v.(type) {
	case string:
		into[path] = val
	case []byte:
		into[path] = string(val)
	case map[string]any:
		for k, child := range val {
			into[path+"#key."+k] = k
			flatten(path+"."+k, child, depth+1, into)
		}
	case map[any]any:
		for k, child := range val {
			key := fmt.Sprint(k)
			into[path+"#key."+key] = key
			flatten(path+"."+key, child, depth+1, into)
		}
	case []any:
		for i, child := range val {
			flatten(path+"["+strconv.Itoa(i)+"]", child, depth+1, into)
		}
	}
}
