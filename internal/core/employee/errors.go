package employee

import (
	"fmt"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
)

var (
	ErrInvalidID         = fmt.Errorf("employee: invalid id: %w", apperr.ErrValidation)
	ErrInvalidName       = fmt.Errorf("employee: invalid name: %w", apperr.ErrValidation)
	ErrInvalidContact    = fmt.Errorf("employee: invalid contact: %w", apperr.ErrValidation)
	ErrInvalidEmail      = fmt.Errorf("employee: invalid email: %w", apperr.ErrValidation)
	ErrInvalidAddress    = fmt.Errorf("employee: invalid address: %w", apperr.ErrValidation)
	ErrInvalidCountry    = fmt.Errorf("employee: invalid country: %w", apperr.ErrValidation)
	ErrInvalidPostalCode = fmt.Errorf("employee: invalid postal code: %w", apperr.ErrValidation)
	ErrInvalidSex        = fmt.Errorf("employee: invalid sex: %w", apperr.ErrValidation)
	ErrInvalidBirthDate  = fmt.Errorf("employee: invalid birth date: %w", apperr.ErrValidation)
	ErrImageRequired     = fmt.Errorf("employee: image is required: %w", apperr.ErrValidation)
	ErrInvalidPageSize   = fmt.Errorf("employee: invalid page size: %w", apperr.ErrValidation)
	ErrInvalidPageToken  = fmt.Errorf("employee: invalid page token: %w", apperr.ErrValidation)
	ErrEmployeeNotFound  = fmt.Errorf("employee: %w", apperr.ErrNotFound)
)
