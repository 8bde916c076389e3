package validation

import (
	"fmt"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

const (
	MaxFileSize    = 10 << 20 // 10mb
	MaxAttachments = 5
)

var allowedAttachmentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
	"text/csv":        true,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// ValidateStruct runs the struct's validate tags and flattens the result
// into field/message pairs suitable for a 400 response body.
func ValidateStruct(v any) ValidationErrors {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Field: "request", Message: err.Error()}}
	}

	var out ValidationErrors
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}
	return out
}

// ValidateAttachments checks upload count, per-file size and sniffed
// content type. The detected type is returned per file so callers store
// what the bytes actually are, not what the client claimed.
func ValidateAttachments(files []*multipart.FileHeader) (map[string]string, ValidationErrors) {
	var errs ValidationErrors

	if len(files) == 0 {
		errs = append(errs, ValidationError{Field: "files", Message: "at least one file must be provided"})
		return nil, errs
	}
	if len(files) > MaxAttachments {
		errs = append(errs, ValidationError{
			Field:   "files",
			Message: fmt.Sprintf("maximum %d files allowed, got %d", MaxAttachments, len(files)),
		})
		return nil, errs
	}

	detected := make(map[string]string, len(files))
	for i, fh := range files {
		field := fmt.Sprintf("files[%d]", i)

		if fh.Size > MaxFileSize {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("file %s exceeds maximum size of %d bytes", fh.Filename, MaxFileSize),
			})
			continue
		}
		if fh.Size == 0 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("file %s is empty", fh.Filename),
			})
			continue
		}

		f, err := fh.Open()
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("file %s could not be read", fh.Filename),
			})
			continue
		}
		mtype, err := mimetype.DetectReader(f)
		f.Close()
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("file %s could not be sniffed", fh.Filename),
			})
			continue
		}

		base := strings.Split(mtype.String(), ";")[0]
		if !allowedAttachmentTypes[base] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("file %s has unsupported content type: %s", fh.Filename, base),
			})
			continue
		}
		detected[fh.Filename] = base
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return detected, nil
}
