package lesson

import "errors"

var (
	ErrNotAuthenticated  = errors.New("authenticate before managing lessons")
	ErrNotLeadStudent    = errors.New("only a lead student can start or end a lesson")
	ErrRoleCheckFailed   = errors.New("could not verify role")
	ErrLessonNotActive   = errors.New("lesson is not active")
	ErrCoordinatorClosed = errors.New("lesson coordinator is shut down")
)
