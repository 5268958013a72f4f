package tracking

import "errors"

var (
	ErrUnknownStatus     = errors.New("tracking: unknown status")
	ErrNegativeQty       = errors.New("tracking: target quantity must not be negative")
	ErrNegativeFrequency = errors.New("tracking: target frequency must not be negative")
	ErrInvalidTimeSpan   = errors.New("tracking: invalid time span")
	ErrMissingID         = errors.New("tracking: item id is required")
)
