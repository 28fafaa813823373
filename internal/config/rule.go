package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// matchAll is the effective pattern of a rule without one.
var matchAll = regexp.MustCompile(`^(?s:.*)$`)

// Rule maps matching entry names to samples. Nil templates mean the
// corresponding key was absent from the rule.
type Rule struct {
	// Pattern is anchored on both ends. Nil matches every entry.
	Pattern *regexp.Regexp

	Name  *Template
	Value *Template
	Help  *Template

	ValueFactor float64
	Type        MetricType

	// LabelNames and LabelValues are parallel and sorted by the raw label
	// name. Both are nil when the rule carries no labels key.
	LabelNames  []*Template
	LabelValues []*Template
}

// Match reports whether s fully matches the rule pattern. The returned
// indexes are suitable for Template.Expand.
func (r *Rule) Match(s string) ([]int, bool) {
	m := r.regexp().FindStringSubmatchIndex(s)
	return m, m != nil
}

func (r *Rule) regexp() *regexp.Regexp {
	if r.Pattern == nil {
		return matchAll
	}
	return r.Pattern
}

func (r *Rule) templates() []*Template {
	var ts []*Template
	for _, t := range []*Template{r.Name, r.Value, r.Help} {
		if t != nil {
			ts = append(ts, t)
		}
	}
	ts = append(ts, r.LabelNames...)
	return append(ts, r.LabelValues...)
}

// compilePattern anchors p so that it only matches whole entry names.
func compilePattern(p string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(p); err != nil {
		return nil, err
	}
	return regexp.Compile("^(?:" + p + ")$")
}

// Template is a replacement string. `$n` refers to capture group n and
// `${name}` to a named group; a backslash escapes the next character.
// Group numbers consume as many digits as still name an existing group, so
// `$10` with a single group is group 1 followed by a literal 0.
type Template struct {
	raw    string
	expand string
	err    error
}

// String returns the template as written in the config document.
func (t *Template) String() string { return t.raw }

// Err returns the reason the template can never be expanded, if any.
func (t *Template) Err() error { return t.err }

// Expand substitutes the capture groups of match, obtained from rule r on
// src, into t.
func (t *Template) Expand(r *Rule, src string, match []int) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return string(r.regexp().ExpandString(nil, t.expand, src, match)), nil
}

// compileTemplate rewrites raw into regexp.Expand syntax, validating group
// references against re. Invalid references are kept as an error on the
// template rather than failing the load.
func compileTemplate(raw string, re *regexp.Regexp) *Template {
	t := &Template{raw: raw}
	groups := re.NumSubexp()

	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '\\':
			i++
			if i == len(raw) {
				t.err = errors.New("character to be escaped is missing")
				return t
			}
			if raw[i] == '$' {
				b.WriteString("$$")
			} else {
				b.WriteByte(raw[i])
			}
		case '$':
			i++
			if i == len(raw) {
				t.err = errors.New("illegal group reference: group index is missing")
				return t
			}
			if raw[i] == '{' {
				end := strings.IndexByte(raw[i:], '}')
				if end < 0 {
					t.err = errors.New("named capturing group is missing trailing '}'")
					return t
				}
				name := raw[i+1 : i+end]
				if name == "" || re.SubexpIndex(name) < 0 {
					t.err = fmt.Errorf("no group with name {%s}", name)
					return t
				}
				b.WriteString("${" + name + "}")
				i += end
				continue
			}
			if !isDigit(raw[i]) {
				t.err = errors.New("illegal group reference")
				return t
			}
			ref := int(raw[i] - '0')
			if ref > groups {
				t.err = fmt.Errorf("no group %d", ref)
				return t
			}
			for i+1 < len(raw) && isDigit(raw[i+1]) {
				next := ref*10 + int(raw[i+1]-'0')
				if next > groups {
					break
				}
				ref = next
				i++
			}
			fmt.Fprintf(&b, "${%d}", ref)
		default:
			b.WriteByte(c)
		}
	}
	t.expand = b.String()
	return t
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
