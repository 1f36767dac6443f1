// Package router decodes inbound client frames and dispatches them to the
// hub (authentication), the lesson coordinator or the classroom chat.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"presencehub/internal/lesson"
	"presencehub/internal/metrics"
	"presencehub/internal/websocket"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// Authenticator binds a user to a connection. The hub implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, conn *websocket.Connection, userID string) error
}

// Lessons is the lesson coordinator as seen by the router.
type Lessons interface {
	Start(ctx context.Context, cmd *types.StartLessonMessage, initiator *types.UserIdentity) (*types.LessonSession, error)
	End(ctx context.Context, lessonID string, by *types.UserIdentity) (*types.LessonSession, error)
}

// Config controls inbound limits.
type Config struct {
	RateLimit      int
	RateWindow     time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig allows 100 messages per minute per connection.
func DefaultConfig() Config {
	return Config{
		RateLimit:      100,
		RateWindow:     time.Minute,
		RequestTimeout: 10 * time.Second,
	}
}

// Router implements websocket.MessageHandler.
type Router struct {
	auth        Authenticator
	lessons     Lessons
	chat        interfaces.Broadcaster
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	config      Config
}

// NewRouter creates a new message router. chat receives group messages; a
// nil chat drops them as unknown traffic.
func NewRouter(auth Authenticator, lessons Lessons, chat interfaces.Broadcaster, m *metrics.Metrics, config Config) *Router {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Router{
		auth:        auth,
		lessons:     lessons,
		chat:        chat,
		rateLimiter: NewRateLimiter(config.RateLimit, config.RateWindow),
		metrics:     m,
		config:      config,
	}
}

// RateLimiter exposes the limiter for periodic cleanup.
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// HandleMessage decodes and dispatches one frame. Protocol errors are logged
// and dropped; validation, authorization and rate-limit errors get a
// targeted error reply.
func (r *Router) HandleMessage(conn *websocket.Connection, data []byte) {
	var envelope types.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
		log.Printf("Dropping malformed message from conn=%s: %.100s", conn.ID(), data)
		r.metrics.Inbound("unknown", "dropped")
		return
	}

	if !r.rateLimiter.Allow(conn.ID()) {
		r.metrics.RateLimited()
		r.reply(conn, envelope.Type, ErrRateLimitExceeded)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.RequestTimeout)
	defer cancel()

	var err error
	switch envelope.Type {
	case types.MessageTypeAuthenticate:
		err = r.handleAuthenticate(ctx, conn, data)
	case types.MessageTypeStartLesson:
		err = r.handleStartLesson(ctx, conn, data)
	case types.MessageTypeEndLesson:
		err = r.handleEndLesson(ctx, conn, data)
	case types.MessageTypeGroupMessage:
		if r.chat == nil {
			r.metrics.Inbound("unknown", "dropped")
			return
		}
		err = r.handleGroupMessage(conn, data)
	default:
		log.Printf("Dropping unknown message type %q from conn=%s", envelope.Type, conn.ID())
		r.metrics.Inbound("unknown", "dropped")
		return
	}

	switch {
	case err == nil:
		r.metrics.Inbound(envelope.Type, "ok")
	case errors.Is(err, ErrMalformedMessage):
		log.Printf("Dropping %s from conn=%s: %v", envelope.Type, conn.ID(), err)
		r.metrics.Inbound(envelope.Type, "dropped")
	default:
		log.Printf("Rejected %s from conn=%s user=%s: %v", envelope.Type, conn.ID(), conn.GetUserID(), err)
		r.metrics.Inbound(envelope.Type, "rejected")
		r.reply(conn, envelope.Type, err)
	}
}

func (r *Router) handleAuthenticate(ctx context.Context, conn *websocket.Connection, data []byte) error {
	var msg types.AuthenticateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return r.auth.Authenticate(ctx, conn, string(msg.UserID))
}

func (r *Router) handleStartLesson(ctx context.Context, conn *websocket.Connection, data []byte) error {
	var msg types.StartLessonMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	_, err := r.lessons.Start(ctx, &msg, conn.Identity())
	return err
}

func (r *Router) handleEndLesson(ctx context.Context, conn *websocket.Connection, data []byte) error {
	var msg types.EndLessonMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	_, err := r.lessons.End(ctx, string(msg.LessonID), conn.Identity())
	return err
}

func (r *Router) handleGroupMessage(conn *websocket.Connection, data []byte) error {
	sender := conn.Identity()
	if sender == nil {
		return ErrNotAuthenticated
	}
	var msg types.GroupMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	r.chat.Broadcast(types.NewGroupMessageEvent(uuid.NewString(), msg.Content, *sender, time.Now().UTC()))
	return nil
}

// clientErrors are safe to show a client verbatim.
var clientErrors = []error{
	ErrRateLimitExceeded,
	ErrNotAuthenticated,
	types.ErrInvalidUserID,
	types.ErrInvalidLessonID,
	types.ErrInvalidLessonName,
	types.ErrInvalidDuration,
	types.ErrInvalidTeacherName,
	types.ErrInvalidMessageContent,
	interfaces.ErrUserNotFound,
	websocket.ErrAlreadyAuthenticated,
	lesson.ErrNotAuthenticated,
	lesson.ErrNotLeadStudent,
	lesson.ErrRoleCheckFailed,
	lesson.ErrLessonNotActive,
}

func publicError(err error) error {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			return known
		}
	}
	return ErrRequestFailed
}

func (r *Router) reply(conn interfaces.Connection, request string, err error) {
	if writeErr := conn.WriteJSON(types.NewErrorEvent(request, publicError(err))); writeErr != nil {
		log.Printf("Failed to send error reply to conn=%s: %v", conn.ID(), writeErr)
	}
}
