package types

import "errors"

var (
	ErrInvalidID          = errors.New("id must be a string or number")
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidLessonID    = errors.New("lesson ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidLessonName  = errors.New("lesson name must be 1-200 characters")
	ErrInvalidDuration    = errors.New("lesson duration must be a positive number of minutes")
	ErrInvalidTeacherName = errors.New("teacher name must be at most 200 characters")
	ErrInvalidRole        = errors.New("invalid role: must be 'student', 'lead_student' or 'admin'")

	ErrInvalidMessageContent = errors.New("message content must be 1-2000 characters")
)
