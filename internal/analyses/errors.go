package analyses

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyInput      = errors.New("analyses: at least one file is required")
	ErrMissingIdentity = errors.New("analyses: user identity is required")
	ErrNotConfigured   = errors.New("analyses: orchestrator is missing dependencies")
	ErrInvalidDocument = errors.New("analyses: invalid document name")
)

// Stages at which a whole run can fail.
const (
	StageCatalog = "catalog"
	StageParent  = "parent"
)

const (
	ErrorCodeValidation = "validation_error"
	ErrorCodeCatalog    = "catalog_unavailable"
	ErrorCodeModel      = "model_unavailable"
	ErrorCodeInternal   = "internal_error"
)

// RunError is a failure that aborted the whole run.
type RunError struct {
	Stage string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("analysis %s step failed: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// classifyFailure maps a run error to a client-facing code.
func classifyFailure(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) {
		switch runErr.Stage {
		case StageCatalog:
			return ErrorCodeCatalog
		case StageParent:
			return ErrorCodeModel
		}
	}
	if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrMissingIdentity) {
		return ErrorCodeValidation
	}
	return ErrorCodeInternal
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
