// Package topics implements Tasmota FullTopic template parsing, expansion
// into MQTT subscription filters, topic matching and command-topic building.
package topics

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Tasmota prefixes. Cmnd is outbound; Stat and Tele are inbound.
const (
	PrefixCmnd = "cmnd"
	PrefixStat = "stat"
	PrefixTele = "tele"
)

const (
	placeholderPrefix = "%prefix%"
	placeholderTopic  = "%topic%"
)

// DefaultTemplates are the two firmware built-ins. Messages conforming to
// either are covered by the default wildcard subscriptions and never need a
// device-specific subscription.
var DefaultTemplates = []string{
	"%prefix%/%topic%/",
	"%topic%/%prefix%/",
}

// segment is the path-safe alphabet for a single captured topic segment.
const segment = `[^+#*>$/]+`

var wildcardChars = "+#$*>"

// Template is a validated, compiled FullTopic template. Compile once via
// Parse or Get and reuse; Match and Expand allocate no regex at call time.
type Template struct {
	raw       string
	re        *regexp.Regexp
	isDefault bool
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Template{}
)

// Get returns the compiled template for s, caching per raw string.
func Get(s string) (*Template, error) {
	norm := Normalize(s)
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if t, ok := cache[norm]; ok {
		return t, nil
	}
	t, err := Parse(norm)
	if err != nil {
		return nil, err
	}
	cache[norm] = t
	return t, nil
}

// Normalize appends the trailing slash the grammar requires.
func Normalize(s string) string {
	if !strings.HasSuffix(s, "/") {
		return s + "/"
	}
	return s
}

// Validate checks a FullTopic template and returns every failure reason,
// suitable for surfacing to the user verbatim.
func Validate(s string) []error {
	var errs []error
	if strings.Count(s, placeholderPrefix) == 0 {
		errs = append(errs, fmt.Errorf("missing %s placeholder", placeholderPrefix))
	}
	if strings.Count(s, placeholderTopic) == 0 {
		errs = append(errs, fmt.Errorf("missing %s placeholder", placeholderTopic))
	}
	if strings.Count(s, placeholderPrefix) > 1 {
		errs = append(errs, fmt.Errorf("%s used more than once", placeholderPrefix))
	}
	if strings.Count(s, placeholderTopic) > 1 {
		errs = append(errs, fmt.Errorf("%s used more than once", placeholderTopic))
	}
	stripped := strings.ReplaceAll(s, placeholderPrefix, "")
	stripped = strings.ReplaceAll(stripped, placeholderTopic, "")
	if i := strings.IndexAny(stripped, wildcardChars); i >= 0 {
		errs = append(errs, fmt.Errorf("MQTT wildcard %q not allowed in template", stripped[i]))
	}
	return errs
}

// Parse validates and compiles a template. The input is normalized to end
// with a slash before compilation.
func Parse(s string) (*Template, error) {
	norm := Normalize(s)
	if errs := Validate(norm); len(errs) > 0 {
		parts := make([]string, len(errs))
		for i, e := range errs {
			parts[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid fulltopic %q: %s", s, strings.Join(parts, "; "))
	}

	// Build an anchored regex where both placeholders become named groups
	// and anything past the template body is captured as the reply part.
	var b strings.Builder
	b.WriteString("^")
	rest := norm
	for len(rest) > 0 {
		i := strings.IndexByte(rest, '%')
		switch {
		case strings.HasPrefix(rest, placeholderPrefix):
			b.WriteString(`(?P<prefix>` + segment + `)`)
			rest = rest[len(placeholderPrefix):]
		case strings.HasPrefix(rest, placeholderTopic):
			b.WriteString(`(?P<topic>` + segment + `)`)
			rest = rest[len(placeholderTopic):]
		case i < 0:
			b.WriteString(regexp.QuoteMeta(rest))
			rest = ""
		case i == 0:
			b.WriteString(regexp.QuoteMeta(rest[:1]))
			rest = rest[1:]
		default:
			b.WriteString(regexp.QuoteMeta(rest[:i]))
			rest = rest[i:]
		}
	}
	b.WriteString(`(?P<reply>.*)$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile fulltopic %q: %w", s, err)
	}

	isDefault := false
	for _, d := range DefaultTemplates {
		if norm == d {
			isDefault = true
			break
		}
	}
	return &Template{raw: norm, re: re, isDefault: isDefault}, nil
}

// String returns the normalized template text.
func (t *Template) String() string { return t.raw }

// IsDefault reports whether the template is one of the firmware built-ins.
func (t *Template) IsDefault() bool { return t.isDefault }

// Match tests topic against the template. On success it returns the captured
// prefix and device topic.
func (t *Template) Match(topic string) (prefix, devTopic string, ok bool) {
	m := t.re.FindStringSubmatch(topic)
	if m == nil {
		return "", "", false
	}
	for i, name := range t.re.SubexpNames() {
		switch name {
		case "prefix":
			prefix = m[i]
		case "topic":
			devTopic = m[i]
		}
	}
	return prefix, devTopic, true
}

// Expand returns the minimal subscription set covering every inbound message
// that conforms to the template: one filter per inbound prefix, with the
// device topic widened to a single-level wildcard and the tail collapsed
// onto a multi-level wildcard.
func (t *Template) Expand() []string {
	filters := make([]string, 0, 2)
	for _, prefix := range []string{PrefixTele, PrefixStat} {
		f := strings.ReplaceAll(t.raw, placeholderPrefix, prefix)
		f = strings.ReplaceAll(f, placeholderTopic, "+") + "#"
		for strings.HasSuffix(f, "+/#") {
			f = strings.TrimSuffix(f, "+/#") + "#"
		}
		filters = append(filters, f)
	}
	return filters
}

// Build forms a concrete topic from the template: placeholders substituted,
// the endpoint appended, no trailing slash.
func (t *Template) Build(prefix, devTopic, endpoint string) string {
	s := strings.ReplaceAll(t.raw, placeholderPrefix, prefix)
	s = strings.ReplaceAll(s, placeholderTopic, devTopic)
	return s + endpoint
}

// CmndTopic builds the outbound command topic for one command endpoint.
func (t *Template) CmndTopic(devTopic, command string) string {
	return t.Build(PrefixCmnd, devTopic, command)
}
