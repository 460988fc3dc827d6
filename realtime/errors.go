package realtime

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/CrowderSoup/kanban-sync/models"
)

var (
	ErrInvalid      = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrNotConfirmed = errors.New("record is still being created")
	ErrNoBoard      = errors.New("no board loaded")
	ErrClosed       = errors.New("session closed")
	ErrSuperseded   = errors.New("superseded by a newer operation")
)

const (
	maxCardTitle  = 100
	maxColumnName = 50
	maxBoardName  = 100
	maxLabelName  = 30
)

// ValidationError is returned before any optimistic mutation when user input is rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func validateText(field, value string, limit int) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	if utf8.RuneCountInString(trimmed) > limit {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", limit)}
	}
	return nil
}

// ValidateCardPatch checks the fields a card create or update would set.
func ValidateCardPatch(p models.CardPatch) error {
	if p.Title != nil {
		if err := validateText("title", *p.Title, maxCardTitle); err != nil {
			return err
		}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%q is not one of P1, P2, P3", *p.Priority)}
	}
	if p.Status != nil && !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a known status", *p.Status)}
	}
	return nil
}

// ValidateColumnName checks a column name.
func ValidateColumnName(name string) error {
	return validateText("name", name, maxColumnName)
}

// ValidateBoardName checks a board name.
func ValidateBoardName(name string) error {
	return validateText("name", name, maxBoardName)
}

// ValidateLabel checks the fields of a new label.
func ValidateLabel(name string, color models.LabelColor) error {
	return ValidateLabelPatch(models.LabelPatch{Name: &name, Color: &color})
}

// ValidateLabelPatch checks the fields a label update would set.
func ValidateLabelPatch(p models.LabelPatch) error {
	if p.Name != nil {
		if err := validateText("name", *p.Name, maxLabelName); err != nil {
			return err
		}
	}
	if p.Color != nil && !p.Color.Valid() {
		return &ValidationError{Field: "color", Reason: fmt.Sprintf("%q is not in the label palette", *p.Color)}
	}
	return nil
}
