package validation

import (
	"fmt"

	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
)

const (
	// Size limits
	MaxLogicalIDLength    = 64
	MaxResourceTypeLength = 128
	MaxPayloadSize        = 10 * 1024 * 1024 // 10 MB
)

// Validator validates resource operations before they reach the store.
type Validator struct {
	maxLogicalIDLength int
	maxPayloadSize     int
}

// NewValidator creates a new validator with default limits.
func NewValidator() *Validator {
	return &Validator{
		maxLogicalIDLength: MaxLogicalIDLength,
		maxPayloadSize:     MaxPayloadSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
func NewValidatorWithLimits(maxLogicalIDLength, maxPayloadSize int) *Validator {
	return &Validator{
		maxLogicalIDLength: maxLogicalIDLength,
		maxPayloadSize:     maxPayloadSize,
	}
}

// ValidateKey validates a (type, logical id) pair.
func (v *Validator) ValidateKey(resourceType, logicalID string) error {
	if err := v.ValidateResourceType(resourceType); err != nil {
		return err
	}
	return v.ValidateLogicalID(logicalID)
}

// ValidateResourceType checks the resource type name.
func (v *Validator) ValidateResourceType(resourceType string) error {
	if resourceType == "" {
		return fhirerrors.RequestNotValid("resource type must not be empty")
	}
	if len(resourceType) > MaxResourceTypeLength {
		return fhirerrors.RequestNotValid(fmt.Sprintf("resource type exceeds %d characters", MaxResourceTypeLength))
	}
	for _, c := range resourceType {
		if !(c >= 'A' && c <= 'Z') && !(c >= 'a' && c <= 'z') {
			return fhirerrors.RequestNotValid("resource type must contain only letters").
				WithDetail("resource_type", resourceType)
		}
	}
	return nil
}

// ValidateLogicalID checks the logical id character set and length.
func (v *Validator) ValidateLogicalID(logicalID string) error {
	if logicalID == "" {
		return fhirerrors.RequestNotValid("logical id must not be empty")
	}
	if len(logicalID) > v.maxLogicalIDLength {
		return fhirerrors.RequestNotValid(fmt.Sprintf("logical id exceeds %d characters", v.maxLogicalIDLength))
	}
	for _, c := range logicalID {
		valid := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '.'
		if !valid {
			return fhirerrors.RequestNotValid("logical id contains invalid characters").
				WithDetail("logical_id", logicalID)
		}
	}
	return nil
}

// ValidatePayload checks the payload size ceiling.
func (v *Validator) ValidatePayload(raw []byte) error {
	if len(raw) == 0 {
		return fhirerrors.RequestNotValid("payload must not be empty")
	}
	if len(raw) > v.maxPayloadSize {
		return fhirerrors.RequestNotValid(fmt.Sprintf("payload size %d exceeds maximum %d", len(raw), v.maxPayloadSize))
	}
	return nil
}
