package definition

import (
	"fmt"
	"regexp"
	"text/template"

	"github.com/pitabwire/stepflow/internal/lang"
	"github.com/pitabwire/stepflow/model"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definition files structurally and across files.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all files. Step ids must be unique across the set.
func (v *Validator) Validate(files []File) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, f := range files {
		prefix := f.SourceFile
		if prefix == "" {
			prefix = fmt.Sprintf("files[%d]", i)
		}

		if f.BasePath != "" && !identPattern.MatchString(f.BasePath) {
			errs = append(errs, VError{Path: prefix + ".base_path", Code: "INVALID_VALUE",
				Message: fmt.Sprintf("base_path %q must be a single path segment", f.BasePath)})
		}
		if len(f.Steps) == 0 {
			errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		}

		for j, s := range f.Steps {
			sp := fmt.Sprintf("%s.steps[%d]", prefix, j)
			errs = append(errs, v.validateStep(sp, s)...)

			if s.ID == "" {
				continue
			}
			if other, dup := seen[s.ID]; dup {
				errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID",
					Message: fmt.Sprintf("step %q is already defined in %s", s.ID, other)})
				continue
			}
			seen[s.ID] = prefix
		}
	}
	return errs
}

func (v *Validator) validateStep(prefix string, s StepDefinition) []VError {
	var errs []VError

	switch {
	case s.ID == "":
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	case !identPattern.MatchString(s.ID):
		errs = append(errs, VError{Path: prefix + ".id", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("id %q may only contain letters, digits, '-' and '_'", s.ID)})
	}

	for i, a := range s.Actions {
		if _, ok := model.ParseAction(a); !ok {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.actions[%d]", prefix, i), Code: "INVALID_ACTION",
				Message: fmt.Sprintf("unknown action %q", a)})
		}
	}

	for i, f := range s.LockKeyFields {
		if f == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.lock_key_fields[%d]", prefix, i), Code: "REQUIRED",
				Message: "lock key field must not be empty"})
		}
	}

	if s.PageSize < 0 {
		errs = append(errs, VError{Path: prefix + ".page_size", Code: "INVALID_VALUE", Message: "page_size must not be negative"})
	}

	for id, text := range s.Lang {
		lp := prefix + ".lang." + id
		if _, ok := lang.En[id]; !ok {
			errs = append(errs, VError{Path: lp, Code: "UNKNOWN_MESSAGE", Message: fmt.Sprintf("unknown message id %q", id)})
			continue
		}
		if _, err := template.New(id).Parse(text); err != nil {
			errs = append(errs, VError{Path: lp, Code: "INVALID_TEMPLATE", Message: err.Error()})
		}
	}

	return errs
}
