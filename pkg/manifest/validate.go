package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/worklets/internal/assets/schemas"
)

// SchemaID is the schema identifier for scene manifests.
const SchemaID = "worklets/v1.0.0/scene-manifest"

var (
	ErrSchemaNotFound   = errors.New("manifest schema not found")
	ErrValidationFailed = errors.New("manifest validation failed")
)

// The validator is compiled from the embedded schema on first use.
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one schema or reference violation.
type ValidationError struct {
	// Path is a JSON pointer into the document, e.g. "/layers/0/worklet".
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every violation found in one pass. It matches
// ErrValidationFailed with errors.Is.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ErrValidationFailed.Error()
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("%s with %d errors:", ErrValidationFailed, len(e)))
	for _, v := range e {
		lines = append(lines, "  - "+v.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate round-trips m through JSON, checks it against the schema and
// runs Check. Unknown fields cannot survive the round trip; LoadFromBytes
// is the strict path.
func Validate(m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := ValidateRaw(doc); err != nil {
		return err
	}
	return m.Check()
}

// ValidateRaw checks a JSON document against the embedded scene-manifest
// schema. Only error diagnostics count.
func ValidateRaw(doc []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		raw := schemasassets.SceneManifestSchema
		if len(raw) == 0 {
			validatorErr = fmt.Errorf("%w: %s is empty", ErrSchemaNotFound, SchemaID)
			return
		}
		v, err := schema.NewValidator(raw)
		if err != nil {
			validatorErr = fmt.Errorf("compile %s: %w", SchemaID, err)
			return
		}
		validator = v
	})
	return validator, validatorErr
}
