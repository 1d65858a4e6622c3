package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidPages      = errors.New("invalid_pages")
	ErrInvalidReason     = errors.New("invalid_reason")
	ErrInvalidSourceType = errors.New("invalid_source_type")
	ErrInvalidReference  = errors.New("invalid_reference")
	ErrInvalidJob        = errors.New("invalid_job")
	ErrChargeInProgress  = errors.New("charge_in_progress")

	ErrOveruseLimitExceeded = errors.New("overuse_limit_exceeded")
)

// OveruseCode is the stable machine-readable code for overuse rejections.
const OveruseCode = "OVERUSE_LIMIT_EXCEEDED"

// OveruseLimitExceededError is returned when a deduction would borrow more
// pages than the configured overuse limit.
type OveruseLimitExceededError struct {
	Requested int64
	Available int64
	Shortfall int64
	Limit     int64
}

func (e *OveruseLimitExceededError) Error() string {
	return fmt.Sprintf("overuse_limit_exceeded: requested %d, available %d, limit %d", e.Requested, e.Available, e.Limit)
}

func (e *OveruseLimitExceededError) Is(target error) bool {
	return target == ErrOveruseLimitExceeded
}

func (e *OveruseLimitExceededError) Code() string {
	return OveruseCode
}
