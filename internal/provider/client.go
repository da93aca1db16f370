package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"flowsend/internal/template"
)

// Credentials authenticate one sender channel against the provider.
type Credentials struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"` // provider-side phone number id
}

// Client talks to the messaging provider's HTTP API: one send-templated-
// message call plus a template-metadata fetch used for refresh-and-retry.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: httpClient, log: log}
}

// SendRequest is the provider wire payload for one templated message.
type SendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Template         wireTemplate `json:"template"`
}

type wireTemplate struct {
	Name       string          `json:"name"`
	Language   wireLanguage    `json:"language"`
	Components []wireComponent `json:"components,omitempty"`
}

type wireLanguage struct {
	Code string `json:"code"`
}

type wireComponent struct {
	Type       string      `json:"type"`
	SubType    string      `json:"sub_type,omitempty"`
	Index      string      `json:"index,omitempty"`
	Parameters []wireParam `json:"parameters,omitempty"`
}

type wireParam struct {
	Type          string     `json:"type"`
	Text          string     `json:"text,omitempty"`
	ParameterName string     `json:"parameter_name,omitempty"`
	Image         *wireMedia `json:"image,omitempty"`
	Video         *wireMedia `json:"video,omitempty"`
	Document      *wireMedia `json:"document,omitempty"`
}

type wireMedia struct {
	Link string `json:"link"`
}

// BuildPayload assembles the provider payload from a frozen template spec
// and one recipient's resolved values.
func BuildPayload(spec *template.Spec, vals *template.Values, to string) *SendRequest {
	req := &SendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: wireTemplate{
			Name:     spec.Name,
			Language: wireLanguage{Code: spec.Language},
		},
	}

	if comp := headerComponent(spec, vals); comp != nil {
		req.Template.Components = append(req.Template.Components, *comp)
	}
	if len(spec.BodyKeys) > 0 {
		comp := wireComponent{Type: "body"}
		for _, ph := range spec.BodyKeys {
			comp.Parameters = append(comp.Parameters, textParam(spec.Format, ph.Key, vals.Body[ph.Key]))
		}
		req.Template.Components = append(req.Template.Components, comp)
	}
	for _, bp := range spec.ButtonKeys {
		req.Template.Components = append(req.Template.Components, wireComponent{
			Type:       "button",
			SubType:    "url",
			Index:      strconv.Itoa(bp.Index),
			Parameters: []wireParam{{Type: "text", Text: vals.Buttons[bp.Index]}},
		})
	}
	return req
}

func headerComponent(spec *template.Spec, vals *template.Values) *wireComponent {
	switch spec.HeaderKind {
	case "text":
		if len(spec.HeaderKeys) == 0 {
			return nil
		}
		ph := spec.HeaderKeys[0]
		return &wireComponent{
			Type:       "header",
			Parameters: []wireParam{textParam(spec.Format, ph.Key, vals.Header[ph.Key])},
		}
	case "image":
		return &wireComponent{Type: "header", Parameters: []wireParam{{Type: "image", Image: &wireMedia{Link: spec.HeaderMediaURL}}}}
	case "video":
		return &wireComponent{Type: "header", Parameters: []wireParam{{Type: "video", Video: &wireMedia{Link: spec.HeaderMediaURL}}}}
	case "document":
		return &wireComponent{Type: "header", Parameters: []wireParam{{Type: "document", Document: &wireMedia{Link: spec.HeaderMediaURL}}}}
	}
	return nil
}

func textParam(format template.ParamFormat, key, value string) wireParam {
	p := wireParam{Type: "text", Text: value}
	if format == template.FormatNamed {
		p.ParameterName = key
	}
	return p
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *wireError `json:"error"`
}

// SendTemplate performs the provider call and returns the provider message
// id. Failures come back as *APIError when the provider answered, or a plain
// error for transport problems.
func (c *Client) SendTemplate(ctx context.Context, creds Credentials, req *SendRequest) (string, error) {
	var out sendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.Token).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/%s/messages", creds.ChannelID))
	if err != nil {
		return "", fmt.Errorf("provider send: %w", err)
	}
	if resp.IsError() || out.Error != nil {
		return "", apiError(resp.StatusCode(), out.Error)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", fmt.Errorf("provider send: response carried no message id")
	}
	return out.Messages[0].ID, nil
}

type templateListResponse struct {
	Data []struct {
		Name            string               `json:"name"`
		Language        string               `json:"language"`
		ParameterFormat string               `json:"parameter_format"`
		Components      []template.Component `json:"components"`
	} `json:"data"`
	Error *wireError `json:"error"`
}

// TemplateByName fetches the provider's current component spec for a
// template, used by the refresh-and-retry recovery path.
func (c *Client) TemplateByName(ctx context.Context, creds Credentials, name, language string) (*template.Definition, error) {
	var out templateListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.Token).
		SetQueryParam("name", name).
		SetResult(&out).
		SetError(&out).
		Get(fmt.Sprintf("/%s/message_templates", creds.ChannelID))
	if err != nil {
		return nil, fmt.Errorf("provider template fetch: %w", err)
	}
	if resp.IsError() || out.Error != nil {
		return nil, apiError(resp.StatusCode(), out.Error)
	}

	// Prefer an exact language match, fall back to the first candidate.
	sort.SliceStable(out.Data, func(i, j int) bool {
		return out.Data[i].Language == language && out.Data[j].Language != language
	})
	for _, d := range out.Data {
		if d.Name != name {
			continue
		}
		return &template.Definition{
			Name:        d.Name,
			Language:    d.Language,
			ParamFormat: template.ParamFormat(d.ParameterFormat),
			Components:  d.Components,
		}, nil
	}
	return nil, fmt.Errorf("provider template fetch: template %q not found", name)
}
