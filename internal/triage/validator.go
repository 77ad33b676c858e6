package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/spec-kit/triage-service/internal/domain"
)

var (
	leadingFence  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	trailingFence = regexp.MustCompile("\\s*```$")

	validate = validator.New()
)

const snippetLength = 200

type fieldRule struct {
	name string
	kind string
	tag  string
}

// Field order fixes the order violations are reported in.
var resultRules = []fieldRule{
	{name: "category", kind: "string", tag: "oneof=BILLING TECHNICAL FEATURE_REQUEST"},
	{name: "urgency", kind: "string", tag: "oneof=HIGH MEDIUM LOW"},
	{name: "sentimentScore", kind: "integer", tag: "min=1,max=10"},
	{name: "draft", kind: "string", tag: "min=1"},
}

// ParseResult turns raw classifier text into a validated result. It strips
// one layer of markdown code fences, so fenced and bare JSON parse the same.
func ParseResult(raw string) (domain.TriageResult, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = leadingFence.ReplaceAllString(cleaned, "")
	cleaned = trailingFence.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return domain.TriageResult{}, &Error{Kind: KindMalformedOutput, Detail: "classifier returned an empty response"}
	}

	doc, err := decodeDocument(cleaned)
	if err != nil {
		return domain.TriageResult{}, &Error{
			Kind:   KindMalformedOutput,
			Detail: "classifier returned invalid JSON: " + snippet(cleaned),
			Err:    err,
		}
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return domain.TriageResult{}, schemaError([]Violation{{
			Field:  "(root)",
			Reason: "Expected object, received " + jsonType(doc),
		}})
	}

	var (
		violations []Violation
		values     = map[string]any{}
	)
	for _, rule := range resultRules {
		value, reason := checkType(obj, rule)
		if reason != "" {
			violations = append(violations, Violation{Field: rule.name, Reason: reason})
			continue
		}
		if err := validate.Var(value, rule.tag); err != nil {
			violations = append(violations, Violation{Field: rule.name, Reason: describe(err, value)})
			continue
		}
		values[rule.name] = value
	}
	if len(violations) > 0 {
		return domain.TriageResult{}, schemaError(violations)
	}

	return domain.TriageResult{
		Category:       domain.Category(values["category"].(string)),
		Urgency:        domain.Urgency(values["urgency"].(string)),
		SentimentScore: int(values["sentimentScore"].(float64)),
		Draft:          values["draft"].(string),
	}, nil
}

func decodeDocument(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return doc, nil
}

// checkType returns the field in the Go type its rule validates, or a reason
// when it is missing or has the wrong JSON type.
func checkType(obj map[string]any, rule fieldRule) (any, string) {
	raw, present := obj[rule.name]
	if !present || raw == nil {
		return nil, "Required"
	}
	switch rule.kind {
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, "Expected string, received " + jsonType(raw)
		}
		return s, ""
	case "integer":
		n, ok := raw.(json.Number)
		if !ok {
			return nil, "Expected number, received " + jsonType(raw)
		}
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, "Expected number, received " + n.String()
		}
		if f != math.Trunc(f) {
			return nil, "Expected integer, received float"
		}
		return f, ""
	}
	return raw, ""
}

func describe(err error, value any) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "oneof":
		options := strings.Fields(fe.Param())
		return fmt.Sprintf("Invalid enum value. Expected '%s', received '%v'", strings.Join(options, "' | '"), value)
	case "min":
		if _, isString := value.(string); isString {
			return fmt.Sprintf("String must contain at least %s character(s)", fe.Param())
		}
		return "Number must be greater than or equal to " + fe.Param()
	case "max":
		return "Number must be less than or equal to " + fe.Param()
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func schemaError(violations []Violation) *Error {
	return &Error{
		Kind:       KindSchemaViolation,
		Detail:     "classifier response validation failed",
		Violations: violations,
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= snippetLength {
		return s
	}
	return string(r[:snippetLength])
}
