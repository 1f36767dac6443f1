package types

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Client -> server message types
const (
	MessageTypeAuthenticate = "authenticate"
	MessageTypeStartLesson  = "startLesson"
	MessageTypeEndLesson    = "endLesson"
	MessageTypeGroupMessage = "group_message"
)

// Server -> client message types
const (
	MessageTypeActiveUsersUpdate = "active_users_update"
	MessageTypeLessonStarted     = "lessonStarted"
	MessageTypeLessonEnded       = "lessonEnded"
	MessageTypeError             = "error"
)

// Role is the platform role of a user as stored by the user store.
type Role string

const (
	RoleStudent     Role = "student"
	RoleLeadStudent Role = "lead_student"
	RoleAdmin       Role = "admin"
)

// CanRunLessons reports whether the role may start or end lesson sessions.
func (r Role) CanRunLessons() bool {
	return r == RoleLeadStudent
}

// UserIdentity is the external user record looked up through the user store.
// The core never owns it; it is copied onto a connection on authentication.
type UserIdentity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Surname  string `json:"surname"`
	Role     Role   `json:"role"`
}

// DisplayName joins username and surname the way the UI shows them.
func (u UserIdentity) DisplayName() string {
	if u.Surname == "" {
		return u.Username
	}
	return u.Username + " " + u.Surname
}

// PresenceEntry is one row of an active_users_update payload.
// Active is always 1; the UI treats it as a MySQL-style boolean.
type PresenceEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Surname  string `json:"surname"`
	Role     Role   `json:"role"`
	Active   int    `json:"active"`
}

// PresenceSnapshot is a full replacement of presence state. It is rebuilt on
// every registry mutation and never edited in place.
type PresenceSnapshot []PresenceEntry

// NewPresenceSnapshot builds a snapshot from identities, dropping duplicate
// ids and ordering by id so repeated broadcasts are byte-identical.
func NewPresenceSnapshot(users []UserIdentity) PresenceSnapshot {
	seen := make(map[string]bool, len(users))
	snapshot := make(PresenceSnapshot, 0, len(users))
	for _, u := range users {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		snapshot = append(snapshot, PresenceEntry{
			ID:       u.ID,
			Username: u.Username,
			Surname:  u.Surname,
			Role:     u.Role,
			Active:   1,
		})
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// Contains reports whether the snapshot lists the given user id.
func (s PresenceSnapshot) Contains(userID string) bool {
	for _, e := range s {
		if e.ID == userID {
			return true
		}
	}
	return false
}

// LessonSession is the live state of one lesson id. At most one exists per
// lesson id at a time.
type LessonSession struct {
	LessonID        string       `json:"lessonId"`
	LessonName      string       `json:"lessonName"`
	TeacherName     string       `json:"teacherName"`
	Initiator       UserIdentity `json:"initiator"`
	StartedAt       time.Time    `json:"startedAt"`
	DurationMinutes float64      `json:"duration"`
}

// Duration converts the minute count into a time.Duration.
func (s *LessonSession) Duration() time.Duration {
	return MinutesToDuration(s.DurationMinutes)
}

// ExpiresAt is the instant the session timer fires.
func (s *LessonSession) ExpiresAt() time.Time {
	return s.StartedAt.Add(s.Duration())
}

// MinutesToDuration converts a (possibly fractional) minute count.
func MinutesToDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}

// ID is a user or lesson key on the wire. Clients send it either as a JSON
// string or as a number (MySQL auto-increment ids); both decode to a string.
type ID string

// UnmarshalJSON accepts "42" and 42.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidID
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return ErrInvalidID
	}
	*id = ID(n.String())
	return nil
}

// Envelope is decoded first to find the message type.
type Envelope struct {
	Type string `json:"type"`
}

// AuthenticateMessage binds a connection to a user.
type AuthenticateMessage struct {
	Type   string `json:"type"`
	UserID ID     `json:"userId"`
}

// StartLessonMessage asks the coordinator to start (or restart) a lesson.
type StartLessonMessage struct {
	Type        string  `json:"type"`
	LessonID    ID      `json:"lessonId"`
	LessonName  string  `json:"lessonName"`
	Duration    float64 `json:"duration"`
	TeacherName string  `json:"teacherName"`
}

// EndLessonMessage asks the coordinator to end a lesson early.
type EndLessonMessage struct {
	Type     string `json:"type"`
	LessonID ID     `json:"lessonId"`
}

// GroupMessage is a classroom chat line. The sender comes from the
// connection, never from the payload.
type GroupMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ChatSender identifies the author of a group message.
type ChatSender struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Role    Role   `json:"role"`
}

// GroupMessageEvent is the broadcast form of a GroupMessage.
type GroupMessageEvent struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Sender    ChatSender `json:"sender"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewGroupMessageEvent stamps content with its sender.
func NewGroupMessageEvent(id, content string, sender UserIdentity, at time.Time) *GroupMessageEvent {
	return &GroupMessageEvent{
		Type:    MessageTypeGroupMessage,
		ID:      id,
		Content: content,
		Sender: ChatSender{
			ID:      sender.ID,
			Name:    sender.Username,
			Surname: sender.Surname,
			Role:    sender.Role,
		},
		Timestamp: at,
	}
}

// ActiveUsersEvent is broadcast after every presence change.
type ActiveUsersEvent struct {
	Type  string           `json:"type"`
	Users PresenceSnapshot `json:"users"`
}

// NewActiveUsersEvent wraps a snapshot for the wire.
func NewActiveUsersEvent(snapshot PresenceSnapshot) *ActiveUsersEvent {
	if snapshot == nil {
		snapshot = PresenceSnapshot{}
	}
	return &ActiveUsersEvent{Type: MessageTypeActiveUsersUpdate, Users: snapshot}
}

// LessonStartedEvent is broadcast to every connection, initiator included.
type LessonStartedEvent struct {
	Type        string    `json:"type"`
	LessonID    string    `json:"lessonId"`
	LessonName  string    `json:"lessonName"`
	Duration    float64   `json:"duration"`
	TeacherName string    `json:"teacherName"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewLessonStartedEvent renders the broadcast for a live session.
func NewLessonStartedEvent(s *LessonSession) *LessonStartedEvent {
	return &LessonStartedEvent{
		Type:        MessageTypeLessonStarted,
		LessonID:    s.LessonID,
		LessonName:  s.LessonName,
		Duration:    s.DurationMinutes,
		TeacherName: s.TeacherName,
		Timestamp:   s.StartedAt,
	}
}

// LessonEndedEvent is broadcast on expiry or explicit end.
type LessonEndedEvent struct {
	Type       string `json:"type"`
	LessonID   string `json:"lessonId"`
	LessonName string `json:"lessonName"`
}

// NewLessonEndedEvent renders the broadcast for a finished session.
func NewLessonEndedEvent(s *LessonSession) *LessonEndedEvent {
	return &LessonEndedEvent{
		Type:       MessageTypeLessonEnded,
		LessonID:   s.LessonID,
		LessonName: s.LessonName,
	}
}

// ErrorEvent is a targeted reply to the connection whose request failed.
type ErrorEvent struct {
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Error   string `json:"error"`
}

// NewErrorEvent builds an error reply for the given request type.
func NewErrorEvent(request string, err error) *ErrorEvent {
	return &ErrorEvent{Type: MessageTypeError, Request: request, Error: err.Error()}
}
