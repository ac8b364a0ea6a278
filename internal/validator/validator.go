// Package validator checks an inbound consumer request against an
// endpoint's declared validation rules.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Rules is the endpoint-declared validation configuration.
type Rules struct {
	ContentType      string
	RequiredHeaders  []string
	ForbiddenHeaders []string
	BodyRegex        string
	JSONSchema       string
}

// Result is the outcome of Validate.
type Result struct {
	Valid bool
	Error string
}

// ok is the shared "no problem found" result.
var ok = Result{Valid: true}

// Validate runs every configured check in order and short-circuits on the
// first failure: content-type, required headers, forbidden headers, body
// regex (text bodies only), then JSON schema (text bodies only). Binary
// bodies skip regex and schema.
func Validate(rules Rules, headers map[string]string, body []byte, isBinary bool) (Result, error) {
	if rules.ContentType != "" {
		if ct := headerValue(headers, "Content-Type"); !contentTypeMatches(ct, rules.ContentType) {
			return Result{Valid: false, Error: fmt.Sprintf("content-type %q does not match required %q", ct, rules.ContentType)}, nil
		}
	}

	for _, h := range rules.RequiredHeaders {
		if headerValue(headers, h) == "" {
			return Result{Valid: false, Error: fmt.Sprintf("missing required header %q", h)}, nil
		}
	}

	for _, h := range rules.ForbiddenHeaders {
		if headerValue(headers, h) != "" {
			return Result{Valid: false, Error: fmt.Sprintf("forbidden header %q present", h)}, nil
		}
	}

	if isBinary {
		return ok, nil
	}

	if rules.BodyRegex != "" {
		re, err := regexp.Compile(rules.BodyRegex)
		if err != nil {
			return Result{}, fmt.Errorf("validator: invalid body regex: %w", err)
		}
		if !re.Match(body) {
			return Result{Valid: false, Error: "body does not match required pattern"}, nil
		}
	}

	if rules.JSONSchema != "" {
		schemaLoader := gojsonschema.NewStringLoader(rules.JSONSchema)
		docLoader := gojsonschema.NewBytesLoader(body)

		result, err := gojsonschema.Validate(schemaLoader, docLoader)
		if err != nil {
			return Result{Valid: false, Error: "body is not valid JSON"}, nil
		}
		if !result.Valid() {
			return Result{Valid: false, Error: schemaErrorSummary(result.Errors())}, nil
		}
	}

	return ok, nil
}

func schemaErrorSummary(errs []gojsonschema.ResultError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// headerValue does a case-insensitive lookup in a plain header map (the
// pipeline passes header keys as fasthttp stored them, without normalizing
// their case).
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func contentTypeMatches(got, want string) bool {
	got = strings.TrimSpace(strings.Split(got, ";")[0])
	want = strings.TrimSpace(strings.Split(want, ";")[0])
	return strings.EqualFold(got, want)
}
