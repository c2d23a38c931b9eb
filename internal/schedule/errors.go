package schedule

import "errors"

var (
	ErrInvalidPeriod = errors.New("period must be positive")
	ErrInvalidDelay  = errors.New("delay must be non-negative")
	ErrNilAction     = errors.New("action is nil")
	ErrCalendarSpec  = errors.New("calendar schedules are not supported")
)
