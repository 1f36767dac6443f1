package types

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxGroupMessageLength caps a chat line in characters.
const MaxGroupMessageLength = 2000

// Compiled once; validation runs on every inbound frame.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks the 1-50 character id format shared by users and lessons.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return idRegex.MatchString(userID)
}

// IsValidRole checks a role string read from the store.
func IsValidRole(role Role) bool {
	switch role {
	case RoleStudent, RoleLeadStudent, RoleAdmin:
		return true
	default:
		return false
	}
}

// Validate checks an authenticate request.
func (m *AuthenticateMessage) Validate() error {
	if !IsValidUserID(string(m.UserID)) {
		return ErrInvalidUserID
	}
	return nil
}

// Validate checks a startLesson request against the maximum duration in minutes.
func (m *StartLessonMessage) Validate(maxDurationMinutes float64) error {
	if !IsValidUserID(string(m.LessonID)) {
		return ErrInvalidLessonID
	}
	if len(m.LessonName) < 1 || len(m.LessonName) > 200 {
		return ErrInvalidLessonName
	}
	if math.IsNaN(m.Duration) || m.Duration <= 0 || m.Duration > maxDurationMinutes {
		return ErrInvalidDuration
	}
	if len(m.TeacherName) > 200 {
		return ErrInvalidTeacherName
	}
	return nil
}

// Validate checks a group_message request.
func (m *GroupMessage) Validate() error {
	if strings.TrimSpace(m.Content) == "" || utf8.RuneCountInString(m.Content) > MaxGroupMessageLength {
		return ErrInvalidMessageContent
	}
	return nil
}
