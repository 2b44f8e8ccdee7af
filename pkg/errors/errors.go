package errors

import (
	"errors"
	"fmt"
)

// Common library errors
var (
	// Shape and precondition errors
	ErrOddChannels         = errors.New("coupling block requires an even channel count")
	ErrNonDivisibleSpatial = errors.New("spatial dimensions not divisible by subsample stride")
	ErrShapeMismatch       = errors.New("tensor shape mismatch")
	ErrLengthMismatch      = errors.New("batch and target lengths differ")
	ErrInvalidPartition    = errors.New("invalid integer partition request")
	ErrEmptyBatch          = errors.New("empty batch")

	// Mixture errors
	ErrInvalidWeights = errors.New("mixture weights must be non-negative")
	ErrClusterCount   = errors.New("unsupported cluster count")
	ErrDegenerateStd  = errors.New("degenerate standard deviation")

	// Direction errors
	ErrZeroNormDirection = errors.New("zero-norm projection direction")

	// Training errors
	ErrAlreadyTraining = errors.New("trainer is already running")
	ErrModelNotTrained = errors.New("model must be trained first")
	ErrTrainingFailed  = errors.New("training failed")

	// Checkpoint errors
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointCorrupt  = errors.New("checkpoint file corrupt")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing configuration")

	// Internal errors
	ErrInternal       = errors.New("internal error")
	ErrNotImplemented = errors.New("not implemented")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeNumeric       ErrorType = "numeric"
	ErrorTypeTraining      ErrorType = "training"
	ErrorTypeCheckpoint    ErrorType = "checkpoint"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents a library error with additional context
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new library error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with library context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// NewValidationError creates a precondition-violation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewNumericError creates a numeric-degeneracy error
func NewNumericError(code, message string) *AppError {
	return NewAppError(ErrorTypeNumeric, code, message)
}

// NewTrainingError creates a training error
func NewTrainingError(code, message string) *AppError {
	return NewAppError(ErrorTypeTraining, code, message)
}

// NewCheckpointError creates a checkpoint error
func NewCheckpointError(code, message string) *AppError {
	return NewAppError(ErrorTypeCheckpoint, code, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// Error codes for different error scenarios
const (
	// Validation error codes
	CodeInvalidInput        = "INVALID_INPUT"
	CodeOddChannels         = "ODD_CHANNELS"
	CodeNonDivisibleSpatial = "NON_DIVISIBLE_SPATIAL"
	CodeShapeMismatch       = "SHAPE_MISMATCH"
	CodeLengthMismatch      = "LENGTH_MISMATCH"
	CodeInvalidPartition    = "INVALID_PARTITION"
	CodeSizeMismatch        = "SIZE_MISMATCH"
	CodeClusterCount        = "CLUSTER_COUNT"
	CodeEmptyBatch          = "EMPTY_BATCH"

	// Numeric error codes
	CodeDegenerateStd     = "DEGENERATE_STD"
	CodeZeroNormDirection = "ZERO_NORM_DIRECTION"
	CodeNegativeWeight    = "NEGATIVE_WEIGHT"

	// Training error codes
	CodeAlreadyTraining = "ALREADY_TRAINING"
	CodeModelNotTrained = "MODEL_NOT_TRAINED"
	CodeTrainingFailed  = "TRAINING_FAILED"

	// Checkpoint error codes
	CodeCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
	CodeCheckpointCorrupt  = "CHECKPOINT_CORRUPT"
	CodeWriteFailed        = "WRITE_FAILED"
	CodeReadFailed         = "READ_FAILED"

	// Configuration error codes
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeMissingConfiguration = "MISSING_CONFIGURATION"

	// Internal error codes
	CodeInternalError  = "INTERNAL_ERROR"
	CodeNotImplemented = "NOT_IMPLEMENTED"
)
