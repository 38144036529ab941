package httpclient

import (
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// headerField is a single name/value pair. Name is stored canonicalized.
type headerField struct {
	name  string
	value string
}

// Headers is an immutable, ordered set of HTTP header fields.
//
// Names are matched case-insensitively and fields keep the order in which
// they were first written. Setting a name replaces all of its values,
// except for names that may legitimately repeat (see AllowsDuplicates),
// where Add appends.
//
// The zero value is an empty header set.
type Headers struct {
	fields []headerField
}

// AllowsDuplicates reports whether a header name may appear more than once
// on the wire. Every other name follows last-write-wins semantics.
func AllowsDuplicates(name string) bool {
	switch textproto.CanonicalMIMEHeaderKey(name) {
	case "Set-Cookie", "Www-Authenticate", "Proxy-Authenticate", "Warning", "Via":
		return true
	default:
		return false
	}
}

// Get returns the first value for name, or "" when absent.
func (h Headers) Get(name string) string {
	key := textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h.fields {
		if f.name == key {
			return f.value
		}
	}
	return ""
}

// Values returns every value recorded for name, in insertion order.
func (h Headers) Values(name string) []string {
	key := textproto.CanonicalMIMEHeaderKey(name)
	var out []string
	for _, f := range h.fields {
		if f.name == key {
			out = append(out, f.value)
		}
	}
	return out
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	key := textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h.fields {
		if f.name == key {
			return true
		}
	}
	return false
}

// Names returns the distinct header names in first-insertion order.
func (h Headers) Names() []string {
	seen := make(map[string]struct{}, len(h.fields))
	names := make([]string, 0, len(h.fields))
	for _, f := range h.fields {
		if _, ok := seen[f.name]; ok {
			continue
		}
		seen[f.name] = struct{}{}
		names = append(names, f.name)
	}
	return names
}

// Len returns the number of fields, counting repeated names individually.
func (h Headers) Len() int {
	return len(h.fields)
}

// Each calls fn for every field in order.
func (h Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// HTTP converts the headers to a net/http header map.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h.fields))
	for _, f := range h.fields {
		out[f.name] = append(out[f.name], f.value)
	}
	return out
}

// String renders the headers in wire order, one "Name: value" per line.
func (h Headers) String() string {
	var sb strings.Builder
	for _, f := range h.fields {
		sb.WriteString(f.name)
		sb.WriteString(": ")
		sb.WriteString(f.value)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// NewBuilder returns a builder seeded with a copy of h.
func (h Headers) NewBuilder() *HeadersBuilder {
	fields := make([]headerField, len(h.fields))
	copy(fields, h.fields)
	return &HeadersBuilder{fields: fields}
}

// HeadersFromHTTP builds Headers from a net/http header map. Map iteration
// order is not stable, so names are emitted in sorted order.
func HeadersFromHTTP(src http.Header) Headers {
	b := &HeadersBuilder{}
	for _, name := range sortedKeys(src) {
		for _, v := range src[name] {
			b.append(textproto.CanonicalMIMEHeaderKey(name), v)
		}
	}
	return b.Build()
}

// HeadersBuilder accumulates header fields. It is not safe for concurrent use.
type HeadersBuilder struct {
	fields []headerField
	err    error
}

// Set replaces every value of name with value.
func (b *HeadersBuilder) Set(name, value string) *HeadersBuilder {
	key, ok := b.validate(name, value)
	if !ok {
		return b
	}
	for i, f := range b.fields {
		if f.name == key {
			// Keep the original position, drop any later duplicates.
			b.fields[i].value = value
			b.removeFrom(i+1, key)
			return b
		}
	}
	b.append(key, value)
	return b
}

// Add appends value for names that allow duplicates and behaves like Set
// for every other name.
func (b *HeadersBuilder) Add(name, value string) *HeadersBuilder {
	if !AllowsDuplicates(name) {
		return b.Set(name, value)
	}
	key, ok := b.validate(name, value)
	if !ok {
		return b
	}
	b.append(key, value)
	return b
}

// Del removes every value of name.
func (b *HeadersBuilder) Del(name string) *HeadersBuilder {
	b.removeFrom(0, textproto.CanonicalMIMEHeaderKey(name))
	return b
}

// Has reports whether the builder currently holds name.
func (b *HeadersBuilder) Has(name string) bool {
	key := textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range b.fields {
		if f.name == key {
			return true
		}
	}
	return false
}

// Err returns the first validation error recorded by Set or Add.
func (b *HeadersBuilder) Err() error {
	return b.err
}

// Build returns the immutable header set.
func (b *HeadersBuilder) Build() Headers {
	fields := make([]headerField, len(b.fields))
	copy(fields, b.fields)
	return Headers{fields: fields}
}

func (b *HeadersBuilder) append(key, value string) {
	b.fields = append(b.fields, headerField{name: key, value: value})
}

func (b *HeadersBuilder) removeFrom(start int, key string) {
	kept := b.fields[:start]
	for _, f := range b.fields[start:] {
		if f.name != key {
			kept = append(kept, f)
		}
	}
	b.fields = kept
}

func (b *HeadersBuilder) validate(name, value string) (string, bool) {
	if !httpguts.ValidHeaderFieldName(name) {
		if b.err == nil {
			b.err = fmt.Errorf("httpclient: invalid header name %q", name)
		}
		return "", false
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		if b.err == nil {
			b.err = fmt.Errorf("httpclient: invalid value for header %q", name)
		}
		return "", false
	}
	return textproto.CanonicalMIMEHeaderKey(name), true
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
