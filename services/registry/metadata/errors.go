package metadata

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalid matches every *ValidationError via errors.Is.
var ErrInvalid = errors.New("metadata: invalid document")

// Issue describes one failed constraint.
type Issue struct {
	Field   string
	Message string
}

// ValidationError lists every issue found while validating one document
// against one schema.
type ValidationError struct {
	Schema string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Field == "" {
			parts = append(parts, issue.Message)
			continue
		}
		parts = append(parts, issue.Field+": "+issue.Message)
	}
	return fmt.Sprintf("%s: %s", e.Schema, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

type checker struct {
	schema string
	issues []Issue
}

func (c *checker) addf(field, format string, args ...any) {
	c.issues = append(c.issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) err() error {
	if len(c.issues) == 0 {
		return nil
	}
	return &ValidationError{Schema: c.schema, Issues: c.issues}
}

func (c *checker) requireText(field string, t Text, max int) string {
	v, ok := t.Value()
	if !ok {
		c.addf(field, "is required")
		return ""
	}
	if len(v) > max {
		c.addf(field, "exceeds %d characters", max)
	}
	return v
}

func (c *checker) optionalText(field string, t Text, max int) *string {
	v := t.Optional()
	if v != nil && len(*v) > max {
		c.addf(field, "exceeds %d characters", max)
	}
	return v
}

func (c *checker) requireURL(field string, t Text) string {
	v := c.requireText(field, t, maxURLLength)
	if v != "" && !isAbsoluteURL(v) {
		c.addf(field, "must be an absolute URL")
	}
	return v
}

func (c *checker) optionalURL(field string, t Text) *string {
	v := c.optionalText(field, t, maxURLLength)
	if v != nil && !isAbsoluteURL(*v) {
		c.addf(field, "must be an absolute URL")
	}
	return v
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
