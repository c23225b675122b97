package attendance

import (
	"fmt"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
)

var (
	ErrInvalidID         = fmt.Errorf("attendance: invalid id: %w", apperr.ErrValidation)
	ErrInvalidEmployeeID = fmt.Errorf("attendance: invalid employee id: %w", apperr.ErrValidation)
	ErrInvalidType       = fmt.Errorf("attendance: invalid type: %w", apperr.ErrValidation)
	ErrInvalidPageSize   = fmt.Errorf("attendance: invalid page size: %w", apperr.ErrValidation)
	ErrInvalidPageToken  = fmt.Errorf("attendance: invalid page token: %w", apperr.ErrValidation)
	ErrInvalidPolicy     = fmt.Errorf("attendance: invalid manual edit policy: %w", apperr.ErrValidation)
	ErrBreaksAlternation = fmt.Errorf("attendance: edit breaks entry/exit alternation: %w", apperr.ErrValidation)
	ErrRegistryNotFound  = fmt.Errorf("attendance: registry %w", apperr.ErrNotFound)
	ErrEmployeeNotFound  = fmt.Errorf("attendance: employee %w", apperr.ErrNotFound)
	ErrEmptyImage        = fmt.Errorf("attendance: empty image: %w", apperr.ErrInvalidInput)
	ErrNoMatch           = fmt.Errorf("attendance: %w", apperr.ErrNoMatch)
)
