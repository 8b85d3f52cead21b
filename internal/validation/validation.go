// Package validation collects field-level violations for timer submissions.
//
// Violations are gathered eagerly: a Collector never stops at the first bad
// field, so callers can report every problem in one response.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// Messages and types reported to callers.
const (
	MsgNonNegative = "Value should be greater than 0"
	MsgInvalidURL  = "Invalid URL"
	MsgRequired    = "Field required"
	MsgInteger     = "Input should be a valid integer"
	MsgString      = "Input should be a valid string"
	MsgJSONInvalid = "JSON decode error"

	TypeValue       = "value_error"
	TypeLessEqual   = "less_than_equal"
	TypeMissing     = "missing"
	TypeInt         = "int_type"
	TypeString      = "string_type"
	TypeJSONInvalid = "json_invalid"
)

// urlPattern is searched, not anchored, so any http(s) URL with a dotted host
// and a short TLD embedded in the input passes.
var urlPattern = regexp.MustCompile(`https?://(www\.)?[-a-zA-Z0-9@:%._\+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b([-a-zA-Z0-9()@:%_\+.~#?&//=]*)`)

// FieldError is a single violation. Loc is the path to the offending field,
// e.g. ["body", "hours"].
type FieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// Field returns the last element of Loc.
func (f FieldError) Field() string {
	if len(f.Loc) == 0 {
		return ""
	}
	return f.Loc[len(f.Loc)-1]
}

// Error is returned when one or more fields are invalid.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field()+": "+f.Msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Collector accumulates FieldErrors under a common location prefix.
type Collector struct {
	prefix []string
	fields []FieldError
}

// NewCollector returns a Collector whose errors are located under prefix.
func NewCollector(prefix ...string) *Collector {
	return &Collector{prefix: prefix}
}

// Add records a violation for field.
func (c *Collector) Add(field, msg, typ string) {
	loc := make([]string, 0, len(c.prefix)+1)
	loc = append(loc, c.prefix...)
	if field != "" {
		loc = append(loc, field)
	}
	c.fields = append(c.fields, FieldError{Loc: loc, Msg: msg, Type: typ})
}

// NonNegative records a violation when v < 0.
func (c *Collector) NonNegative(field string, v int) {
	if v < 0 {
		c.Add(field, MsgNonNegative, TypeValue)
	}
}

// AtMost records a violation when v > max.
func (c *Collector) AtMost(field string, v, max int) {
	if v > max {
		c.Add(field, MsgAtMost(max), TypeLessEqual)
	}
}

// MsgAtMost is the message AtMost reports.
func MsgAtMost(max int) string {
	return fmt.Sprintf("Input should be less than or equal to %d", max)
}

// URL records a violation when v is not an acceptable URL.
func (c *Collector) URL(field, v string) {
	if !ValidURL(v) {
		c.Add(field, MsgInvalidURL, TypeValue)
	}
}

// Err returns nil when nothing was recorded, otherwise an *Error.
func (c *Collector) Err() error {
	if len(c.fields) == 0 {
		return nil
	}
	out := make([]FieldError, len(c.fields))
	copy(out, c.fields)
	return &Error{Fields: out}
}

// ValidURL reports whether s looks like an http(s) URL with a dotted host.
func ValidURL(s string) bool {
	return urlPattern.MatchString(s)
}
