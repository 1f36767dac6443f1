// Package lesson runs the per-lesson session state machine: idle, then
// active while a duration timer runs, then idle again on expiry or an
// explicit end.
package lesson

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"presencehub/internal/metrics"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// RoleChecker reads the current role of a user.
type RoleChecker interface {
	GetRole(ctx context.Context, userID string) (types.Role, error)
}

// Config bounds lesson commands.
type Config struct {
	MaxDurationMinutes float64
}

// DefaultConfig allows lessons up to four hours.
func DefaultConfig() Config {
	return Config{MaxDurationMinutes: 240}
}

type liveSession struct {
	session    types.LessonSession
	timer      Timer
	generation uint64
}

// Coordinator owns the live lesson sessions. At most one session, and so one
// timer, exists per lesson id.
type Coordinator struct {
	roles       RoleChecker
	broadcaster interfaces.Broadcaster
	scheduler   Scheduler
	dispatch    func(func())
	metrics     *metrics.Metrics
	config      Config

	mu         sync.Mutex
	sessions   map[string]*liveSession
	generation uint64
	closed     bool
}

// NewCoordinator creates a coordinator on the wall clock. Timer callbacks
// run on the timer goroutine until SetDispatcher routes them elsewhere.
func NewCoordinator(roles RoleChecker, broadcaster interfaces.Broadcaster, m *metrics.Metrics, config Config) *Coordinator {
	if config.MaxDurationMinutes <= 0 {
		config.MaxDurationMinutes = DefaultConfig().MaxDurationMinutes
	}
	return &Coordinator{
		roles:       roles,
		broadcaster: broadcaster,
		scheduler:   RealScheduler(),
		dispatch:    func(f func()) { f() },
		metrics:     m,
		config:      config,
		sessions:    make(map[string]*liveSession),
	}
}

// SetScheduler replaces the clock. Call before the first Start.
func (c *Coordinator) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// SetDispatcher routes timer expiries, e.g. onto the hub loop.
func (c *Coordinator) SetDispatcher(dispatch func(func())) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch = dispatch
}

// Start starts or restarts a lesson. The initiator's role is re-read from the
// store before the command is validated; a role cached on the connection may
// be stale. Restarting a live
// lesson stops its timer before the new one is armed.
func (c *Coordinator) Start(ctx context.Context, cmd *types.StartLessonMessage, initiator *types.UserIdentity) (*types.LessonSession, error) {
	if initiator == nil {
		return nil, ErrNotAuthenticated
	}
	if err := c.authorize(ctx, initiator); err != nil {
		return nil, err
	}
	if err := cmd.Validate(c.config.MaxDurationMinutes); err != nil {
		return nil, err
	}

	lessonID := string(cmd.LessonID)
	teacherName := cmd.TeacherName
	if teacherName == "" {
		teacherName = initiator.DisplayName()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	previous, restart := c.sessions[lessonID]
	if restart {
		previous.timer.Stop()
	}

	c.generation++
	generation := c.generation
	entry := &liveSession{
		session: types.LessonSession{
			LessonID:        lessonID,
			LessonName:      cmd.LessonName,
			TeacherName:     teacherName,
			Initiator:       *initiator,
			StartedAt:       c.scheduler.Now(),
			DurationMinutes: cmd.Duration,
		},
		generation: generation,
	}
	dispatch := c.dispatch
	entry.timer = c.scheduler.AfterFunc(entry.session.Duration(), func() {
		dispatch(func() { c.expire(lessonID, generation) })
	})
	c.sessions[lessonID] = entry

	c.broadcaster.Broadcast(types.NewLessonStartedEvent(&entry.session))
	c.metrics.LessonStarted(restart, len(c.sessions))

	if restart {
		log.Printf("Lesson %s restarted by user=%s for %.1f min, previous timer cancelled", lessonID, initiator.ID, cmd.Duration)
	} else {
		log.Printf("Lesson %s started by user=%s for %.1f min", lessonID, initiator.ID, cmd.Duration)
	}

	session := entry.session
	return &session, nil
}

// End ends a live lesson early. Ending an idle lesson is an error reported to
// the caller only.
func (c *Coordinator) End(ctx context.Context, lessonID string, by *types.UserIdentity) (*types.LessonSession, error) {
	if by == nil {
		return nil, ErrNotAuthenticated
	}
	if err := c.authorize(ctx, by); err != nil {
		return nil, err
	}
	if !types.IsValidUserID(lessonID) {
		return nil, types.ErrInvalidLessonID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[lessonID]
	if !ok {
		return nil, ErrLessonNotActive
	}

	entry.timer.Stop()
	delete(c.sessions, lessonID)

	c.broadcaster.Broadcast(types.NewLessonEndedEvent(&entry.session))
	c.metrics.LessonEnded("ended", len(c.sessions))
	log.Printf("Lesson %s ended by user=%s", lessonID, by.ID)

	session := entry.session
	return &session, nil
}

func (c *Coordinator) authorize(ctx context.Context, user *types.UserIdentity) error {
	role, err := c.roles.GetRole(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRoleCheckFailed, err)
	}
	if !role.CanRunLessons() {
		return ErrNotLeadStudent
	}
	return nil
}

// expire ends the session if the firing timer still belongs to it. A timer
// from a superseded generation is ignored.
func (c *Coordinator) expire(lessonID string, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[lessonID]
	if !ok || entry.generation != generation {
		log.Printf("Lesson %s: ignoring stale timer (generation %d)", lessonID, generation)
		return
	}

	delete(c.sessions, lessonID)

	c.broadcaster.Broadcast(types.NewLessonEndedEvent(&entry.session))
	c.metrics.LessonEnded("expired", len(c.sessions))
	log.Printf("Lesson %s expired after %.1f min", lessonID, entry.session.DurationMinutes)
}

// Active lists live sessions ordered by start time.
func (c *Coordinator) Active() []types.LessonSession {
	c.mu.Lock()
	sessions := make([]types.LessonSession, 0, len(c.sessions))
	for _, entry := range c.sessions {
		sessions = append(sessions, entry.session)
	}
	c.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].LessonID < sessions[j].LessonID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

// Get returns the live session for a lesson id.
func (c *Coordinator) Get(lessonID string) (*types.LessonSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[lessonID]
	if !ok {
		return nil, false
	}
	session := entry.session
	return &session, true
}

// Shutdown stops every timer without broadcasting. Further starts fail.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for lessonID, entry := range c.sessions {
		entry.timer.Stop()
		delete(c.sessions, lessonID)
		c.metrics.LessonEnded("shutdown", len(c.sessions))
	}
	log.Println("Lesson coordinator shut down")
}
