package interp

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FramesFPS is the frame rate always sent with frames-mode jobs.
const FramesFPS = 30

// File is one binary input of a submission.
type File struct {
	Name    string
	Content io.Reader `validate:"required"`
}

// Request is one job-creation request. Implementations are VideoRequest and
// FramesRequest.
type Request interface {
	Kind() Kind
	path() string
	writeTo(w *multipart.Writer) error
}

// VideoRequest interpolates a whole video. Each frame gap gets 2^Exp-1 new frames.
type VideoRequest struct {
	File  *File `json:"file" validate:"required"`
	Exp   int   `json:"exp" validate:"min=1,max=6"`
	FPS   int   `json:"fps" validate:"omitempty,gt=0"` // 0 keeps the source rate
	Scale int   `json:"scale" validate:"oneof=1 2"`
}

func (VideoRequest) Kind() Kind   { return KindVideo }
func (VideoRequest) path() string { return "/api/interpolate/video" }

func (r VideoRequest) writeTo(w *multipart.Writer) error {
	if err := writeFile(w, "file", r.File); err != nil {
		return err
	}
	if err := w.WriteField("exp", strconv.Itoa(r.Exp)); err != nil {
		return err
	}
	if r.FPS > 0 {
		if err := w.WriteField("fps", strconv.Itoa(r.FPS)); err != nil {
			return err
		}
	}
	return w.WriteField("scale", strconv.Itoa(r.Scale))
}

// FramesRequest synthesizes NumMid frames between FrameA and FrameB.
type FramesRequest struct {
	FrameA *File `json:"frame_a" validate:"required"`
	FrameB *File `json:"frame_b" validate:"required"`
	NumMid int   `json:"num_mid" validate:"min=1,max=127"`
}

func (FramesRequest) Kind() Kind   { return KindFrames }
func (FramesRequest) path() string { return "/api/interpolate/frames" }

func (r FramesRequest) writeTo(w *multipart.Writer) error {
	if err := writeFile(w, "frame_a", r.FrameA); err != nil {
		return err
	}
	if err := writeFile(w, "frame_b", r.FrameB); err != nil {
		return err
	}
	if err := w.WriteField("num_mid", strconv.Itoa(r.NumMid)); err != nil {
		return err
	}
	return w.WriteField("fps", strconv.Itoa(FramesFPS))
}

func writeFile(w *multipart.Writer, field string, f *File) error {
	name := f.Name
	if name == "" {
		name = field
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f.Content); err != nil {
		return fmt.Errorf("copy %s: %w", field, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

var messages = map[string]string{
	"required": "%s is required",
	"min":      "%s must be at least %s",
	"max":      "%s must be at most %s",
	"gt":       "%s must be greater than %s",
	"oneof":    "%s must be one of [%s]",
}

// Validate checks r against its declared ranges. It returns a *ValidationError
// describing every failing field, or nil.
func Validate(r Request) error {
	if r == nil || reflect.ValueOf(r).Kind() == reflect.Ptr && reflect.ValueOf(r).IsNil() {
		return &ValidationError{Fields: map[string]string{"request": "request is required"}}
	}
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		field := fieldName(fe)
		if _, seen := out.Fields[field]; seen {
			continue
		}
		msg, ok := messages[fe.Tag()]
		if !ok {
			out.Fields[field] = fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
			continue
		}
		if strings.Count(msg, "%s") == 2 {
			out.Fields[field] = fmt.Sprintf(msg, field, fe.Param())
		} else {
			out.Fields[field] = fmt.Sprintf(msg, field)
		}
	}
	return out
}

// fieldName maps a nested File.Content failure back to the owning field.
func fieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.Namespace(), ".")
	if len(parts) >= 3 && parts[len(parts)-1] == "Content" {
		return parts[len(parts)-2]
	}
	return fe.Field()
}
