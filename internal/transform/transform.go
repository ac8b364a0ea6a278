// Package transform builds the outbound upstream request from a consumer
// request, its resolved configuration, and resolved secrets.
package transform

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/svcgw/gateway/internal/catalog"
)

// Input bundles everything the transformer needs.
type Input struct {
	Method      string
	UpstreamURL string // endpoint.UpstreamURLTemplate
	PathParams  map[string]string
	Secrets     map[string]string
	Query       string // raw consumer query string, preserved unless the template overrides it
	HeaderRules []catalog.HeaderRule
	// PassedHeaders are the consumer headers available to "pass" rules,
	// keyed case-sensitively as received.
	PassedHeaders map[string]string

	BodyTransform catalog.BodyTransform
	BodyTemplate  string
	ConsumerBody  []byte
	IsBinary      bool
}

// Output is the fully built upstream request.
type Output struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Build renders in into an upstream Output.
func Build(in Input) (Output, error) {
	u, err := buildURL(in)
	if err != nil {
		return Output{}, err
	}

	headers := buildHeaders(in)

	body, err := buildBody(in)
	if err != nil {
		return Output{}, err
	}

	return Output{URL: u, Headers: headers, Body: body}, nil
}

// buildURL substitutes {pathParam} and {secret.alias} placeholders into the
// upstream URL template and appends the consumer's query string unless the
// template already carries one of its own.
func buildURL(in Input) (string, error) {
	raw := substitutePlaceholders(in.UpstreamURL, in.PathParams, in.Secrets)

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transform: invalid upstream url %q: %w", raw, err)
	}

	if parsed.RawQuery == "" && in.Query != "" {
		parsed.RawQuery = in.Query
	}

	return parsed.String(), nil
}

// buildHeaders applies pass/add/remove rules in that fixed order. The
// consumer's Authorization header is never forwarded unless an explicit
// "pass" rule names it.
func buildHeaders(in Input) map[string]string {
	headers := make(map[string]string)

	for _, rule := range in.HeaderRules {
		if rule.Pass {
			if v, ok := lookupHeader(in.PassedHeaders, rule.Name); ok {
				headers[rule.Name] = v
			}
		}
	}

	for _, rule := range in.HeaderRules {
		if rule.Add && !rule.Pass {
			value := substitutePlaceholders(rule.Value, nil, in.Secrets)
			// An add rule referencing an unresolved secret alias leaves the
			// placeholder unexpanded; such a header is dropped rather
			// than sent verbatim.
			if strings.Contains(value, "{secret.") {
				continue
			}
			headers[rule.Name] = value
		}
	}

	for _, rule := range in.HeaderRules {
		if rule.Remove {
			delete(headers, rule.Name)
			for k := range headers {
				if strings.EqualFold(k, rule.Name) {
					delete(headers, k)
				}
			}
		}
	}

	return headers
}

func buildBody(in Input) ([]byte, error) {
	switch in.BodyTransform {
	case catalog.BodyBinary:
		return in.ConsumerBody, nil

	case catalog.BodyTemplate:
		return renderBodyTemplate(in.BodyTemplate, in.ConsumerBody, in.Secrets)

	case catalog.BodyPassthrough:
		fallthrough
	default:
		return in.ConsumerBody, nil
	}
}

// renderBodyTemplate parses body as JSON, exposes its top-level fields as
// {name} placeholders alongside {secret.alias}, and renders tmpl.
func renderBodyTemplate(tmpl string, body []byte, secrets map[string]string) ([]byte, error) {
	fields := map[string]string{}
	if len(body) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			for k, v := range parsed {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
	}

	rendered := tmpl
	for k, v := range fields {
		rendered = strings.ReplaceAll(rendered, "{"+k+"}", v)
	}
	rendered = substitutePlaceholders(rendered, nil, secrets)

	return []byte(rendered), nil
}

// substitutePlaceholders replaces {name} with pathParams[name] and
// {secret.alias} with secrets[alias]. Unresolved placeholders are left
// untouched so callers can detect and drop them where required.
func substitutePlaceholders(s string, pathParams, secrets map[string]string) string {
	var rep []string
	for k, v := range pathParams {
		rep = append(rep, "{"+k+"}", v)
	}
	for k, v := range secrets {
		rep = append(rep, "{secret."+k+"}", v)
	}
	if len(rep) == 0 {
		return s
	}
	return strings.NewReplacer(rep...).Replace(s)
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
