package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"

	"github.com/go-playground/validator/v10"
)

// requestFields carries the scalar fields checked by struct tags.
type requestFields struct {
	Code      string `json:"code" validate:"required,codesize"`
	Language  string `json:"language" validate:"required,language"`
	Input     string `json:"input" validate:"inputsize"`
	TimeLimit *int   `json:"timeLimit" validate:"omitempty,timelimit"`
}

func (s *ExecutionService) newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("codesize", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= s.limits.MaxCodeBytes
	})
	_ = v.RegisterValidation("inputsize", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= s.limits.MaxInputBytes
	})
	_ = v.RegisterValidation("language", func(fl validator.FieldLevel) bool {
		return s.languages.IsSupported(fl.Field().String())
	})
	_ = v.RegisterValidation("timelimit", func(fl validator.FieldLevel) bool {
		ms := int(fl.Field().Int())
		return ms >= s.limits.MinTimeLimitMs && ms <= s.limits.MaxTimeLimitMs
	})
	return v
}

// validate returns the parsed test cases and every violation found in the request.
func (s *ExecutionService) validate(req ExecuteRequest) ([]result.TestCase, []appErr.Violation) {
	var violations []appErr.Violation

	err := s.validator.Struct(requestFields{
		Code:      req.Code,
		Language:  req.Language,
		Input:     req.Input,
		TimeLimit: req.TimeLimit,
	})
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			violations = append(violations, appErr.Violation{Field: fe.Field(), Reason: s.reason(fe)})
		}
	} else if err != nil {
		violations = append(violations, appErr.Violation{Field: "request", Reason: err.Error()})
	}

	cases, caseViolations := s.parseTestCases(req.TestCases)
	violations = append(violations, caseViolations...)
	return cases, violations
}

func (s *ExecutionService) reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "codesize":
		return fmt.Sprintf("must be at most %d bytes", s.limits.MaxCodeBytes)
	case "inputsize":
		return fmt.Sprintf("must be at most %d bytes", s.limits.MaxInputBytes)
	case "language":
		return fmt.Sprintf("unsupported language %q, supported: %s", fe.Value(), strings.Join(s.languages.Supported(), ", "))
	case "timelimit":
		return fmt.Sprintf("must be between %d and %d ms", s.limits.MinTimeLimitMs, s.limits.MaxTimeLimitMs)
	default:
		return "is invalid"
	}
}

// parseTestCases checks the raw testCases value field by field so that one
// malformed entry does not hide problems in the others.
func (s *ExecutionService) parseTestCases(raw json.RawMessage) ([]result.TestCase, []appErr.Violation) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, []appErr.Violation{{Field: "testCases", Reason: "must be an array"}}
	}

	var violations []appErr.Violation
	if len(entries) > s.limits.MaxTestCases {
		violations = append(violations, appErr.Violation{
			Field:  "testCases",
			Reason: fmt.Sprintf("must contain at most %d entries", s.limits.MaxTestCases),
		})
	}

	cases := make([]result.TestCase, 0, len(entries))
	for i, entry := range entries {
		prefix := fmt.Sprintf("testCases[%d]", i)
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil || fields == nil {
			violations = append(violations, appErr.Violation{Field: prefix, Reason: "must be an object"})
			continue
		}
		var tc result.TestCase
		ok := true
		if err := decodeString(fields, "input", &tc.Input); err != nil {
			violations = append(violations, appErr.Violation{Field: prefix + ".input", Reason: err.Error()})
			ok = false
		} else if len(tc.Input) > s.limits.MaxInputBytes {
			violations = append(violations, appErr.Violation{
				Field:  prefix + ".input",
				Reason: fmt.Sprintf("must be at most %d bytes", s.limits.MaxInputBytes),
			})
			ok = false
		}
		if err := decodeString(fields, "expectedOutput", &tc.ExpectedOutput); err != nil {
			violations = append(violations, appErr.Violation{Field: prefix + ".expectedOutput", Reason: err.Error()})
			ok = false
		}
		if hidden, present := fields["isHidden"]; present {
			if err := json.Unmarshal(hidden, &tc.IsHidden); err != nil {
				violations = append(violations, appErr.Violation{Field: prefix + ".isHidden", Reason: "must be a boolean"})
				ok = false
			}
		}
		if ok {
			cases = append(cases, tc)
		}
	}
	return cases, violations
}

func decodeString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("must be a string")
	}
	return nil
}
