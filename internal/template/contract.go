package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParamFormat says how a template references its placeholders.
type ParamFormat string

const (
	FormatPositional ParamFormat = "positional" // {{1}}, {{2}}, ...
	FormatNamed      ParamFormat = "named"      // {{first_name}}, ...
)

// Definition is the loosely-typed template shape as stored locally and as
// returned by the provider's template-metadata endpoint.
type Definition struct {
	Name        string      `json:"name"`
	Language    string      `json:"language"`
	ParamFormat ParamFormat `json:"parameter_format"`
	Components  []Component `json:"components"`
}

type Component struct {
	Type    string   `json:"type"`             // HEADER, BODY, FOOTER, BUTTONS
	Format  string   `json:"format,omitempty"` // header only: TEXT, IMAGE, VIDEO, DOCUMENT
	Text    string   `json:"text,omitempty"`
	URL     string   `json:"url,omitempty"` // media header example link
	Buttons []Button `json:"buttons,omitempty"`
}

type Button struct {
	Type string `json:"type"` // URL, QUICK_REPLY, PHONE_NUMBER
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ContractError reports a template whose structure violates the placeholder
// contract. Unsupported is set when the structure is well-formed but uses a
// feature the send path cannot serve.
type ContractError struct {
	Unsupported bool
	Reason      string
}

func (e *ContractError) Error() string { return "template contract: " + e.Reason }

func contractErrf(format string, args ...any) *ContractError {
	return &ContractError{Reason: fmt.Sprintf(format, args...)}
}

func unsupportedErrf(format string, args ...any) *ContractError {
	return &ContractError{Unsupported: true, Reason: fmt.Sprintf(format, args...)}
}

// Placeholder is one required parameter of a template section.
type Placeholder struct {
	Section string `json:"section"` // header, body
	Key     string `json:"key"`     // "1".."n" or named key
	Raw     string `json:"raw"`     // raw token as written, e.g. "{{1}}"
}

// ButtonParam is the dynamic suffix parameter of one URL button.
type ButtonParam struct {
	Index   int    `json:"index"` // button position within the template
	Key     string `json:"key"`
	Raw     string `json:"raw"`
	BaseURL string `json:"base_url"`
}

// Spec is the typed contract parsed once from a Definition: the required
// keys per section plus everything the send path needs to build a provider
// payload. Marshalled onto the campaign as the frozen snapshot.
type Spec struct {
	Name     string      `json:"name"`
	Language string      `json:"language"`
	Format   ParamFormat `json:"parameter_format"`

	HeaderKind     string        `json:"header_kind,omitempty"` // text, image, video, document
	HeaderMediaURL string        `json:"header_media_url,omitempty"`
	HeaderKeys     []Placeholder `json:"header_keys,omitempty"`
	BodyKeys       []Placeholder `json:"body_keys,omitempty"`
	ButtonKeys     []ButtonParam `json:"button_keys,omitempty"`

	Fingerprint string    `json:"fingerprint"`
	FrozenAt    time.Time `json:"frozen_at,omitempty"`
}

var (
	tokenRe    = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)
	namedKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Parse validates a Definition against the placeholder contract and returns
// the typed spec of required keys per section.
func Parse(def *Definition) (*Spec, error) {
	format := def.ParamFormat
	if format == "" {
		format = FormatPositional
	}
	if format != FormatPositional && format != FormatNamed {
		return nil, contractErrf("unknown parameter format %q", format)
	}

	spec := &Spec{
		Name:        def.Name,
		Language:    def.Language,
		Format:      format,
		Fingerprint: fingerprint(def),
	}

	buttonIdx := 0
	for _, comp := range def.Components {
		switch strings.ToLower(comp.Type) {
		case "header":
			kind := strings.ToLower(comp.Format)
			if kind == "" {
				kind = "text"
			}
			spec.HeaderKind = kind
			switch kind {
			case "text":
				keys, err := extractSection("header", comp.Text, format)
				if err != nil {
					return nil, err
				}
				if len(keys) > 1 {
					return nil, contractErrf("text header supports at most one placeholder, found %d", len(keys))
				}
				spec.HeaderKeys = keys
			case "image", "video", "document":
				spec.HeaderMediaURL = comp.URL
			default:
				return nil, unsupportedErrf("header format %q not supported", comp.Format)
			}

		case "body":
			keys, err := extractSection("body", comp.Text, format)
			if err != nil {
				return nil, err
			}
			spec.BodyKeys = keys

		case "footer":
			if tokenRe.MatchString(comp.Text) {
				return nil, unsupportedErrf("footer placeholders are not supported")
			}

		case "buttons":
			for _, b := range comp.Buttons {
				if !strings.EqualFold(b.Type, "url") {
					buttonIdx++
					continue
				}
				tokens := tokenRe.FindAllStringSubmatch(b.URL, -1)
				if len(tokens) > 1 {
					return nil, contractErrf("url button %d carries %d dynamic placeholders, at most one allowed", buttonIdx, len(tokens))
				}
				if len(tokens) == 1 {
					if format == FormatNamed {
						return nil, contractErrf("named-format templates do not support dynamic url buttons")
					}
					key := tokens[0][1]
					if err := checkKey(key, format); err != nil {
						return nil, err
					}
					spec.ButtonKeys = append(spec.ButtonKeys, ButtonParam{
						Index:   buttonIdx,
						Key:     key,
						Raw:     tokens[0][0],
						BaseURL: strings.Replace(b.URL, tokens[0][0], "", 1),
					})
				}
				buttonIdx++
			}

		default:
			return nil, unsupportedErrf("component type %q not supported", comp.Type)
		}
	}

	return spec, nil
}

// extractSection pulls placeholders out of one text section and enforces the
// per-format grammar, including positional hole detection.
func extractSection(section, text string, format ParamFormat) ([]Placeholder, error) {
	matches := tokenRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(matches))
	keys := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		key := m[1]
		if err := checkKey(key, format); err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, Placeholder{Section: section, Key: key, Raw: m[0]})
	}

	if format == FormatPositional {
		max := 0
		for _, k := range keys {
			n, _ := strconv.Atoi(k.Key)
			if n > max {
				max = n
			}
		}
		for i := 1; i <= max; i++ {
			if !seen[strconv.Itoa(i)] {
				return nil, contractErrf("%s placeholders must be contiguous from 1: {{%d}} is missing", section, i)
			}
		}
	}

	return keys, nil
}

func checkKey(key string, format ParamFormat) error {
	if format == FormatPositional {
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 {
			return contractErrf("positional placeholder {{%s}} is not a positive integer", key)
		}
		return nil
	}
	if !namedKeyRe.MatchString(key) {
		return contractErrf("named placeholder {{%s}} must match [a-z][a-z0-9_]*", key)
	}
	return nil
}

// Keys returns every required placeholder of the spec, sections in send
// order (header, body, buttons).
func (s *Spec) Keys() []Placeholder {
	out := make([]Placeholder, 0, len(s.HeaderKeys)+len(s.BodyKeys)+len(s.ButtonKeys))
	out = append(out, s.HeaderKeys...)
	out = append(out, s.BodyKeys...)
	for _, b := range s.ButtonKeys {
		out = append(out, Placeholder{Section: "button", Key: b.Key, Raw: b.Raw})
	}
	return out
}

// Marshal renders the spec as the frozen campaign snapshot.
func (s *Spec) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// ParseSnapshot restores a frozen snapshot from campaign storage.
func ParseSnapshot(raw json.RawMessage) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode template snapshot: %w", err)
	}
	return &s, nil
}

// fingerprint hashes the component structure so mid-run template edits are
// detectable against the frozen snapshot.
func fingerprint(def *Definition) string {
	payload, err := json.Marshal(struct {
		Name       string      `json:"name"`
		Language   string      `json:"language"`
		Format     ParamFormat `json:"format"`
		Components []Component `json:"components"`
	}{def.Name, def.Language, def.ParamFormat, def.Components})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
