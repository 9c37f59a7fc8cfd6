package sip

import (
	"io"
	"slices"
	"strings"
)

// HeaderKV is one key-value pair of a URI or header parameter list.
type HeaderKV struct {
	K string
	V string
}

// HeaderParams is an ordered parameter list. Order is preserved because
// some params (route, via branch) are order-sensitive on the wire.
type HeaderParams []HeaderKV

// NewParams allocates an empty parameter list. Capacity covers the
// common cases (URI and Via carry one or two, Route up to four).
func NewParams() HeaderParams {
	return make(HeaderParams, 0, 4)
}

// Items flattens the params into a map.
func (params HeaderParams) Items() map[string]string {
	m := make(map[string]string, len(params))
	for _, kv := range params {
		m[kv.K] = kv.V
	}
	return m
}

// Keys returns the distinct keys in order of first appearance.
func (params HeaderParams) Keys() []string {
	keys := make([]string, 0, len(params))
	for _, kv := range params {
		if slices.Contains(keys, kv.K) {
			continue
		}
		keys = append(keys, kv.K)
	}
	return keys
}

func (params HeaderParams) index(key string) int {
	for i, kv := range params {
		if kv.K == key {
			return i
		}
	}
	return -1
}

// Get returns the value for key and whether it was present.
func (params HeaderParams) Get(key string) (string, bool) {
	if i := params.index(key); i >= 0 {
		return params[i].V, true
	}
	return "", false
}

// GetOr returns the value for key, or def when absent.
func (params HeaderParams) GetOr(key, def string) string {
	if i := params.index(key); i >= 0 {
		return params[i].V
	}
	return def
}

// Add sets key to val, overwriting an existing entry.
func (params *HeaderParams) Add(key string, val string) HeaderParams {
	if i := params.index(key); i >= 0 {
		(*params)[i].V = val
	} else {
		*params = append(*params, HeaderKV{K: key, V: val})
	}
	return *params
}

// Remove drops every entry for key.
func (params *HeaderParams) Remove(key string) HeaderParams {
	for {
		i := params.index(key)
		if i < 0 {
			return *params
		}
		*params = slices.Delete(*params, i, i+1)
	}
}

// Has reports whether key is present.
func (params HeaderParams) Has(key string) bool {
	return params.index(key) >= 0
}

// Clone copies the parameter list.
func (params HeaderParams) Clone() HeaderParams {
	return params.clone()
}

func (params HeaderParams) clone() HeaderParams {
	return slices.Clone(params)
}

// ToString renders the params separated by sep. Values are expected to
// be escaped already; ones containing whitespace get quoted.
func (params HeaderParams) ToString(sep byte) string {
	if len(params) == 0 {
		return ""
	}
	var sb strings.Builder
	params.ToStringWrite(sep, &sb)
	return sb.String()
}

// ToStringWrite is ToString into a caller-supplied writer.
func (params HeaderParams) ToStringWrite(sep byte, w io.StringWriter) {
	sepStr := string(sep)
	for i, kv := range params {
		if i > 0 {
			w.WriteString(sepStr)
		}
		w.WriteString(kv.K)
		if kv.V == "" {
			// flag params like ;lr carry no value
			continue
		}
		if strings.ContainsAny(kv.V, abnfWs) {
			w.WriteString("=\"")
			w.WriteString(kv.V)
			w.WriteString("\"")
		} else {
			w.WriteString("=")
			w.WriteString(kv.V)
		}
	}
}

// String renders the params joined with '&'.
func (params HeaderParams) String() string {
	return params.ToString('&')
}

// Length returns the number of entries.
func (params HeaderParams) Length() int {
	return len(params)
}

// Equals compares two parameter lists as unordered key-value sets.
func (params HeaderParams) Equals(other interface{}) bool {
	q, ok := other.(HeaderParams)
	if !ok {
		return false
	}
	if params.Length() != q.Length() {
		return false
	}

	for key, val := range params.Items() {
		qVal, ok := q.Get(key)
		if !ok || val != qVal {
			return false
		}
	}
	return true
}
