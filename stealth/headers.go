package stealth

import (
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Header is one header line with its name exactly as it was given.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered, case-insensitive multi-map of header lines. Names keep the
// casing they were set with, lookups ignore case, and iteration follows insertion order.
// The zero value is ready to use. Headers is not safe for concurrent mutation.
type Headers struct {
	entries []Header
}

// NewHeaders builds Headers from a plain map. Map iteration order is random, so the
// resulting order is sorted by name for reproducibility.
func NewHeaders(m map[string]string) *Headers {
	h := &Headers{}
	keys := lo.Keys(m)
	slices.Sort(keys)
	for _, k := range keys {
		h.Set(k, m[k])
	}
	return h
}

func headerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add appends a header line, keeping existing lines with the same name.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, Header{Name: name, Value: value})
}

// Set replaces every line named name with a single line. The replacement takes the new
// casing and the position of the first replaced line; a new name is appended.
func (h *Headers) Set(name, value string) {
	key := headerKey(name)
	idx := lo.IndexOf(lo.Map(h.entries, func(e Header, _ int) string { return headerKey(e.Name) }), key)
	if idx < 0 {
		h.Add(name, value)
		return
	}
	h.entries[idx] = Header{Name: name, Value: value}
	rest := lo.Filter(h.entries[idx+1:], func(e Header, _ int) bool { return headerKey(e.Name) != key })
	h.entries = append(h.entries[:idx+1], rest...)
}

// Get returns the value of the last line named name, or "" if there is none.
func (h *Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// GetDefault returns the value of the last line named name, or def if there is none.
func (h *Headers) GetDefault(name, def string) string {
	if v, ok := h.Lookup(name); ok {
		return v
	}
	return def
}

// Lookup returns the value of the last line named name.
func (h *Headers) Lookup(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	key := headerKey(name)
	e, _, ok := lo.FindLastIndexOf(h.entries, func(e Header) bool { return headerKey(e.Name) == key })
	return e.Value, ok
}

// Has reports whether a line named name exists.
func (h *Headers) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Values returns every value of lines named name, in order.
func (h *Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	key := headerKey(name)
	return lo.FilterMap(h.entries, func(e Header, _ int) (string, bool) {
		return e.Value, headerKey(e.Name) == key
	})
}

// Del removes every line named name.
func (h *Headers) Del(name string) {
	key := headerKey(name)
	h.entries = lo.Filter(h.entries, func(e Header, _ int) bool { return headerKey(e.Name) != key })
}

// Len returns the number of lines.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

// All returns a copy of every line in order.
func (h *Headers) All() []Header {
	if h == nil {
		return nil
	}
	return append([]Header(nil), h.entries...)
}

// Keys returns the distinct names in order of first appearance, with the casing of
// that first appearance.
func (h *Headers) Keys() []string {
	if h == nil {
		return nil
	}
	return lo.Map(
		lo.UniqBy(h.entries, func(e Header) string { return headerKey(e.Name) }),
		func(e Header, _ int) string { return e.Name },
	)
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	return &Headers{entries: h.All()}
}

// Merge applies every line of other on top of h with Set semantics: a name present in
// other replaces all of its lines in h.
func (h *Headers) Merge(other *Headers) {
	if other == nil {
		return
	}
	for _, name := range other.Keys() {
		key := headerKey(name)
		last, _, _ := lo.FindLastIndexOf(other.entries, func(e Header) bool { return headerKey(e.Name) == key })
		values := other.Values(name)
		h.Set(last.Name, values[0])
		for _, v := range values[1:] {
			h.Add(last.Name, v)
		}
	}
}

// Map flattens the headers into a name -> last value map keyed by the first-seen name.
func (h *Headers) Map() map[string]string {
	m := make(map[string]string, h.Len())
	for _, name := range h.Keys() {
		m[name] = h.Get(name)
	}
	return m
}
