package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// Input field names read from a source row.
const (
	FieldTitle            = "title"
	FieldDescription      = "description"
	FieldShortDescription = "short_description"
	FieldMetadata         = "metadata"
	FieldImages           = "images"
	FieldDemo             = "demo"
)

// ParseInput validates a source row and normalizes it into a ProductInput.
// Missing fields default to empty strings; images is a list literal such as
// `["a.jpg"]` or `['a.jpg', 'b.jpg']` and defaults to an empty list.
func ParseInput(row model.Row) (model.ProductInput, error) {
	in := model.ProductInput{
		Title:            strings.TrimSpace(row[FieldTitle]),
		Description:      strings.TrimSpace(row[FieldDescription]),
		ShortDescription: row[FieldShortDescription],
		Metadata:         row[FieldMetadata],
	}

	images, err := parseListLiteral(row[FieldImages])
	if err != nil {
		return model.ProductInput{}, exception.NewValidationError(StepInput, err.Error())
	}
	in.Images = images

	if raw, ok := row[FieldDemo]; ok && strings.TrimSpace(raw) != "" {
		demo, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return model.ProductInput{}, exception.NewValidationError(StepInput, "demo must be a boolean, got '"+raw+"'")
		}
		in.Demo = &demo
	}

	if !(in.Title != "" && in.Description != "") && len(in.Images) == 0 {
		return model.ProductInput{}, exception.NewValidationError(StepInput, "either title and description or images are required")
	}
	return in, nil
}

type literalError string

func (e literalError) Error() string { return string(e) }

// parseListLiteral parses a list of string literals quoted with ' or ".
func parseListLiteral(raw string) ([]string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return []string{}, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, literalError("images must be a list literal, got '" + raw + "'")
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return nonNil(out), nil
	}

	body := s[1 : len(s)-1]
	out = []string{}
	for i := 0; i < len(body); {
		switch c := body[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			value, next, err := readQuoted(body, i)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
			i = skipSpace(body, next)
			if i < len(body) {
				if body[i] != ',' {
					return nil, literalError("images list has an unexpected character '" + string(body[i]) + "'")
				}
				i++
			}
		default:
			return nil, literalError("images list must contain quoted strings, got '" + raw + "'")
		}
	}
	return out, nil
}

func readQuoted(s string, start int) (string, int, error) {
	quote := s[start]
	var b strings.Builder
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, literalError("images list has a dangling escape")
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, literalError("images list has an unterminated string")
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
