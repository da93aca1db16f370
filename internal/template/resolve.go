package template

import (
	"fmt"
	"strings"

	"flowsend/internal/models"
)

// MissingParam identifies one required key that resolved to a blank value.
type MissingParam struct {
	Section string
	Key     string
	Raw     string
}

func (m MissingParam) String() string {
	return fmt.Sprintf("%s:%s raw=%q", m.Section, m.Key, m.Raw)
}

// MissingReason batches multiple missing params into one diagnostic string.
func MissingReason(miss []MissingParam) string {
	parts := make([]string, len(miss))
	for i, m := range miss {
		parts[i] = m.String()
	}
	return "missing required params: " + strings.Join(parts, "; ")
}

// Values holds the resolved parameter strings for one recipient, keyed the
// way the provider payload wants them.
type Values struct {
	Header  map[string]string `json:"header,omitempty"`
	Body    map[string]string `json:"body,omitempty"`
	Buttons map[int]string    `json:"buttons,omitempty"`
}

// ResolveOptions selects the resolution mode. Precheck runs without cosmetic
// fallbacks so genuinely missing data is detected; the send path enables
// them.
type ResolveOptions struct {
	Fallbacks bool
}

// Resolve maps every required key of the spec to a concrete string for one
// contact. Priority per key: built-in contact alias, then custom field, then
// the raw supplied value. Every key whose resolved value is blank after
// trimming is reported; the caller receives them all at once.
func Resolve(spec *Spec, contact *models.Contact, params map[string]string, opts ResolveOptions) (*Values, []MissingParam) {
	vals := &Values{}
	var missing []MissingParam

	resolveInto := func(dst *map[string]string, ph Placeholder) {
		value, raw := resolveKey(spec.Format, ph.Key, params[ph.Key], contact, opts)
		if strings.TrimSpace(value) == "" {
			missing = append(missing, MissingParam{Section: ph.Section, Key: ph.Key, Raw: raw})
			return
		}
		if *dst == nil {
			*dst = make(map[string]string)
		}
		(*dst)[ph.Key] = value
	}

	for _, ph := range spec.HeaderKeys {
		resolveInto(&vals.Header, ph)
	}
	for _, ph := range spec.BodyKeys {
		resolveInto(&vals.Body, ph)
	}
	for _, bp := range spec.ButtonKeys {
		value, raw := resolveKey(spec.Format, bp.Key, params[bp.Key], contact, opts)
		if strings.TrimSpace(value) == "" {
			missing = append(missing, MissingParam{Section: "button", Key: bp.Key, Raw: raw})
			continue
		}
		if vals.Buttons == nil {
			vals.Buttons = make(map[int]string)
		}
		vals.Buttons[bp.Index] = value
	}

	if len(missing) > 0 {
		return nil, missing
	}
	return vals, nil
}

// resolveKey resolves one key. For positional templates the supplied value
// may itself be a token like "{{email}}" referencing a contact attribute;
// for named templates the key is the attribute reference.
func resolveKey(format ParamFormat, key, supplied string, contact *models.Contact, opts ResolveOptions) (value, raw string) {
	token := key
	raw = "{{" + key + "}}"

	if format == FormatPositional {
		raw = supplied
		inner, ok := unwrapToken(supplied)
		if !ok {
			// Plain literal, used as-is.
			return supplied, supplied
		}
		token = inner
	}

	if v, ok := builtinAlias(contact, token, opts.Fallbacks); ok {
		return v, raw
	}
	if v, ok := contact.CustomFields[token]; ok {
		return v, raw
	}
	if format == FormatNamed {
		return supplied, raw
	}
	return "", raw
}

// unwrapToken returns the inner key of a value that is exactly one
// placeholder token, e.g. "{{email}}" -> "email".
func unwrapToken(s string) (string, bool) {
	m := tokenRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || m[0] != strings.TrimSpace(s) {
		return "", false
	}
	return m[1], true
}

// builtinAlias resolves the well-known contact attributes. The name alias
// only falls back to a generic salutation in send mode.
func builtinAlias(c *models.Contact, token string, fallbacks bool) (string, bool) {
	switch token {
	case "name", "first_name":
		if c.Name == "" && fallbacks {
			return "Customer", true
		}
		return c.Name, true
	case "phone":
		return c.Phone, true
	case "email":
		return c.Email, true
	}
	return "", false
}
