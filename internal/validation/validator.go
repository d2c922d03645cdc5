package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
)

const (
	MaxKeySize             = 512
	MaxValueSize           = 5 * 1024 * 1024 // 5 MB
	MaxTags                = 32
	MaxTagSize             = 128
	MaxEstablishmentIDSize = 128
	MaxRecordIDSize        = 256
)

// table names are echoed to the central system as event tags
var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Validator validates cache writes and recorded events
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateCacheWrite validates a cache set
func (v *Validator) ValidateCacheWrite(key string, value []byte, tags []string) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument(fmt.Sprintf("value size %d exceeds maximum %d", len(value), v.maxValueSize), nil).
			WithDetail("size", len(value))
	}
	return ValidateTags(tags)
}

// ValidateKey validates a cache key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidArgument(fmt.Sprintf("key size %d exceeds maximum %d", len(key), v.maxKeySize), nil)
	}
	if hasControl(key) {
		return errors.InvalidArgument("key cannot contain control characters", nil).WithDetail("key", key)
	}
	return nil
}

// ValidateTags validates cache invalidation tags
func ValidateTags(tags []string) error {
	if len(tags) > MaxTags {
		return errors.InvalidArgument(fmt.Sprintf("too many tags: %d > %d", len(tags), MaxTags), nil)
	}
	for i, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return errors.InvalidArgument(fmt.Sprintf("tag %d is empty", i), nil)
		}
		if len(tag) > MaxTagSize || hasControl(tag) {
			return errors.InvalidArgument(fmt.Sprintf("tag %d is invalid", i), nil).WithDetail("tag", tag)
		}
	}
	return nil
}

// ValidateEvent validates the inputs of a recorded change
func (v *Validator) ValidateEvent(tableName string, op model.Operation, recordID, establishmentID string) error {
	if !tableNamePattern.MatchString(tableName) {
		return errors.InvalidArgument(fmt.Sprintf("invalid table name %q", tableName), nil)
	}
	if _, err := model.ParseOperation(string(op)); err != nil {
		return errors.InvalidArgument(err.Error(), nil)
	}
	if recordID == "" || len(recordID) > MaxRecordIDSize || hasControl(recordID) {
		return errors.InvalidArgument(fmt.Sprintf("invalid record ID %q", recordID), nil)
	}
	return ValidateEstablishmentID(establishmentID)
}

// ValidateEstablishmentID validates an establishment identifier
func ValidateEstablishmentID(id string) error {
	if id == "" {
		return errors.InvalidArgument("establishment ID cannot be empty", nil)
	}
	if len(id) > MaxEstablishmentIDSize {
		return errors.InvalidArgument(fmt.Sprintf("establishment ID exceeds maximum size of %d", MaxEstablishmentIDSize), nil)
	}
	if hasControl(id) || strings.ContainsAny(id, " /") {
		return errors.InvalidArgument(fmt.Sprintf("invalid establishment ID %q", id), nil)
	}
	return nil
}

// ValidateOperation validates an offline operation before it is queued
func ValidateOperation(op *model.OfflineOperation) error {
	if op.Type != model.OperationTypeRead && op.Type != model.OperationTypeWrite {
		return errors.InvalidArgument(fmt.Sprintf("invalid operation type %q", op.Type), nil)
	}
	if op.Resource == "" || strings.HasPrefix(op.Resource, "/") || strings.Contains(op.Resource, "..") || hasControl(op.Resource) {
		return errors.InvalidArgument(fmt.Sprintf("invalid resource %q", op.Resource), nil)
	}
	if op.Operation == "" {
		return errors.InvalidArgument("operation cannot be empty", nil)
	}
	return nil
}

// SanitizeKey strips control characters and surrounding whitespace from a key
func SanitizeKey(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, key)

	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > MaxKeySize {
		sanitized = sanitized[:MaxKeySize]
	}
	return sanitized
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
