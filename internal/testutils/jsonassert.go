//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence matches any value, as long as the key exists.
const Presence = "<<PRESENCE>>"

// TestingT is the subset of testing.TB the asserters report through.
type TestingT interface {
	Errorf(format string, args ...any)
	Helper()
}

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys  bool     `default:"true"`
	NilToEmptyArray  bool     `default:"true"`
	AllowPresence    bool     `default:"true"`
	IgnoreArrayOrder bool     `default:"false"`
	IgnoredFields    []string `default:""`
}

// Option tweaks a JSONAsserter.
type Option func(*JSONAssertOptions)

func WithIgnoreExtraKeys(v bool) Option { return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v } }
func WithNilToEmptyArray(v bool) Option { return func(o *JSONAssertOptions) { o.NilToEmptyArray = v } }
func WithAllowPresence(v bool) Option   { return func(o *JSONAssertOptions) { o.AllowPresence = v } }
func WithIgnoreArrayOrder(v bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = v }
}
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents structurally and reports a readable diff.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	var opts JSONAssertOptions
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert fails the test when actualJSON does not match expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals v and compares it against expectedJSON.
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) {
	ja.t.Helper()
	ja.Assert(MustJSON(v), expectedJSON)
}

// Diff returns an empty string when the documents match.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root.
	_, expArr := expected.([]any)
	_, actArr := actual.([]any)
	if expArr || actArr {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	// Ignored fields go before sorting so they cannot affect element order.
	if ja.options.IgnoreArrayOrder {
		stripFields(expected, ja.options.IgnoredFields)
		stripFields(actual, ja.options.IgnoredFields)
		sortArrays(expected)
		sortArrays(actual)
	}
	expected, actual = ja.normalize(expected, actual)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// normalize walks both trees side by side and applies every enabled option.
func (ja *JSONAsserter) normalize(expected, actual any) (any, any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return expected, actual
		}
		for _, field := range ja.options.IgnoredFields {
			delete(exp, field)
			delete(act, field)
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, keep := exp[k]; !keep {
					delete(act, k)
				}
			}
		}
		for k := range exp {
			av, present := act[k]
			if ja.options.AllowPresence && exp[k] == Presence && present {
				exp[k] = av
				continue
			}
			exp[k], av = ja.normalize(exp[k], av)
			if present || av != nil {
				act[k] = av
			}
		}
		return exp, act

	case []any:
		act, ok := actual.([]any)
		if !ok {
			return ja.nilToEmpty(expected, actual)
		}
		for i := range exp {
			if i < len(act) {
				exp[i], act[i] = ja.normalize(exp[i], act[i])
			}
		}
		return exp, act
	}
	return ja.nilToEmpty(expected, actual)
}

// nilToEmpty treats null and [] as equal.
func (ja *JSONAsserter) nilToEmpty(expected, actual any) (any, any) {
	if !ja.options.NilToEmptyArray {
		return expected, actual
	}
	isEmpty := func(v any) bool {
		arr, ok := v.([]any)
		return ok && len(arr) == 0
	}
	if (expected == nil || isEmpty(expected)) && (actual == nil || isEmpty(actual)) {
		return []any{}, []any{}
	}
	return expected, actual
}

func stripFields(data any, fields []string) {
	switch v := data.(type) {
	case map[string]any:
		for _, field := range fields {
			delete(v, field)
		}
		for _, child := range v {
			stripFields(child, fields)
		}
	case []any:
		for _, elem := range v {
			stripFields(elem, fields)
		}
	}
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(data any) {
	switch v := data.(type) {
	case map[string]any:
		for _, child := range v {
			sortArrays(child)
		}
	case []any:
		for _, elem := range v {
			sortArrays(elem)
		}
		sort.Slice(v, func(i, j int) bool {
			return MustJSON(v[i]) < MustJSON(v[j])
		})
	}
}
