package library

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// BookInput holds the catalog fields an admin may edit. Rating and
// BorrowCount are not editable.
type BookInput struct {
	Title           string `json:"title" yaml:"title" validate:"required,max=255"`
	Author          string `json:"author" yaml:"author" validate:"required,max=255"`
	Genre           string `json:"genre" yaml:"genre" validate:"max=100"`
	Publisher       string `json:"publisher" yaml:"publisher" validate:"max=255"`
	PublicationYear *int   `json:"publication_year" yaml:"publication_year" validate:"omitempty,gte=1,lte=9999"`
	Description     string `json:"description" yaml:"description"`
	TotalCopies     int    `json:"total_copies" yaml:"total_copies" validate:"gte=0"`
	AvailableCopies int    `json:"available_copies" yaml:"available_copies" validate:"gte=0,ltefield=TotalCopies"`
}

// NewBookInput is BookInput plus the fields that can only be set at creation.
type NewBookInput struct {
	BookInput   `yaml:",inline"`
	Rating      float64 `json:"rating" yaml:"rating" validate:"gte=0,lte=5"`
	BorrowCount int     `json:"borrow_count" yaml:"borrow_count" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func (in *BookInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.Genre = strings.TrimSpace(in.Genre)
	in.Publisher = strings.TrimSpace(in.Publisher)
	in.Description = strings.TrimSpace(in.Description)
}

// Validate trims the input and checks it. The returned error is a
// *ValidationError.
func (in *BookInput) Validate() error {
	in.normalize()
	return validationError(validate.Struct(in))
}

// Validate trims the input and checks it, including the creation-only fields.
func (in *NewBookInput) Validate() error {
	in.normalize()
	return validationError(validate.Struct(in))
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		if fe.Param() == "0" {
			return "cannot be negative"
		}
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "ltefield":
		return "must be between 0 and total copies"
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}
