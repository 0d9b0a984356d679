/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"fmt"
	"regexp"
	"strings"
)

// MaskFormat is a textual representation in which a secret field may appear in a log message.
type MaskFormat string

// Supported mask formats.
const (
	// MaskFormatHTTPHeader matches "Name: value" lines of dumped requests and responses.
	MaskFormatHTTPHeader MaskFormat = "http_header"
	// MaskFormatJSON matches "name": "value" pairs of JSON payloads.
	MaskFormatJSON MaskFormat = "json"
	// MaskFormatURLEncoded matches name=value pairs of query strings and form bodies.
	MaskFormatURLEncoded MaskFormat = "urlencoded"
)

const maskPlaceholder = "***"

// MaskingRuleConfig describes how a single secret field is masked.
type MaskingRuleConfig struct {
	Field   string       `mapstructure:"field" yaml:"field" json:"field"`
	Formats []MaskFormat `mapstructure:"formats" yaml:"formats" json:"formats"`
	Masks   []MaskConfig `mapstructure:"masks" yaml:"masks" json:"masks"`
}

// MaskConfig is a custom regular expression with its replacement (may refer to capture groups).
type MaskConfig struct {
	RegExp string `mapstructure:"regexp" yaml:"regexp" json:"regexp"`
	Mask   string `mapstructure:"mask" yaml:"mask" json:"mask"`
}

// DefaultMaskingRules cover credentials which commonly travel with outgoing requests.
var DefaultMaskingRules = []MaskingRuleConfig{
	{Field: "Authorization", Formats: []MaskFormat{MaskFormatHTTPHeader}},
	{Field: "Proxy-Authorization", Formats: []MaskFormat{MaskFormatHTTPHeader}},
	{Field: "Cookie", Formats: []MaskFormat{MaskFormatHTTPHeader}},
	{Field: "X-Api-Key", Formats: []MaskFormat{MaskFormatHTTPHeader}},
	{Field: "api_key", Formats: []MaskFormat{MaskFormatJSON, MaskFormatURLEncoded}},
	{Field: "password", Formats: []MaskFormat{MaskFormatJSON, MaskFormatURLEncoded}},
	{Field: "client_secret", Formats: []MaskFormat{MaskFormatJSON, MaskFormatURLEncoded}},
	{Field: "access_token", Formats: []MaskFormat{MaskFormatJSON, MaskFormatURLEncoded}},
	{Field: "refresh_token", Formats: []MaskFormat{MaskFormatJSON, MaskFormatURLEncoded}},
	{Field: "id_token", Formats: []MaskFormat{MaskFormatJSON, MaskFormatURLEncoded}},
}

type replacement struct {
	re   *regexp.Regexp
	repl string
}

type fieldMasker struct {
	field        string // lowercase, used for a cheap pre-check
	replacements []replacement
}

// Masker replaces secrets in strings according to the masking rules.
type Masker struct {
	fields []fieldMasker
}

// StringMasker is implemented by Masker.
type StringMasker interface {
	Mask(s string) string
}

// NewMasker compiles the masking rules.
func NewMasker(rules []MaskingRuleConfig) (*Masker, error) {
	m := &Masker{fields: make([]fieldMasker, 0, len(rules))}
	for i, rule := range rules {
		fm, err := newFieldMasker(rule)
		if err != nil {
			return nil, fmt.Errorf("rule #%d (%s): %w", i, rule.Field, err)
		}
		m.fields = append(m.fields, fm)
	}
	return m, nil
}

// MustNewMasker is like NewMasker but panics if any rule is invalid.
func MustNewMasker(rules []MaskingRuleConfig) *Masker {
	m, err := NewMasker(rules)
	if err != nil {
		panic(err)
	}
	return m
}

func newFieldMasker(rule MaskingRuleConfig) (fieldMasker, error) {
	if rule.Field == "" {
		return fieldMasker{}, fmt.Errorf("field cannot be empty")
	}
	fm := fieldMasker{field: strings.ToLower(rule.Field)}
	name := regexp.QuoteMeta(rule.Field)
	for _, mc := range rule.Masks {
		re, err := regexp.Compile(mc.RegExp)
		if err != nil {
			return fieldMasker{}, err
		}
		fm.replacements = append(fm.replacements, replacement{re, mc.Mask})
	}
	for _, format := range rule.Formats {
		var expr, repl string
		switch format {
		case MaskFormatHTTPHeader:
			expr, repl = `(?i)\b(`+name+`:[ \t]*)[^\r\n]+`, "${1}"+maskPlaceholder
		case MaskFormatJSON:
			expr, repl = `(?i)("`+name+`"\s*:\s*)"(?:[^"\\]|\\.)*"`, `${1}"`+maskPlaceholder+`"`
		case MaskFormatURLEncoded:
			expr, repl = `(?i)(\b`+name+`=)[^&\s"]+`, "${1}"+maskPlaceholder
		default:
			return fieldMasker{}, fmt.Errorf("unknown format %q", format)
		}
		fm.replacements = append(fm.replacements, replacement{regexp.MustCompile(expr), repl})
	}
	return fm, nil
}

// Mask returns s with all the secrets replaced.
func (m *Masker) Mask(s string) string {
	var lower string
	for _, fm := range m.fields {
		if lower == "" {
			lower = strings.ToLower(s)
		}
		if !strings.Contains(lower, fm.field) {
			continue
		}
		for _, r := range fm.replacements {
			s = r.re.ReplaceAllString(s, r.repl)
		}
	}
	return s
}
