package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types emitted by the progression engine.
const (
	// Progress events
	EventXPAwarded      EventType = "progress.xp_awarded"
	EventXPDeferred     EventType = "progress.xp_deferred"
	EventXPReconciled   EventType = "progress.xp_reconciled"
	EventXPDiscarded    EventType = "progress.xp_discarded"
	EventLevelUp        EventType = "progress.level_up"
	EventStreakUpdated  EventType = "progress.streak_updated"
	EventDailyGoalMet   EventType = "progress.daily_goal_met"
	EventSnapshotPushed EventType = "progress.snapshot_published"

	// Achievement events
	EventAchievementUnlocked EventType = "achievement.unlocked"

	// System events
	EventSyncCompleted EventType = "system.sync_completed"
	EventSessionClosed EventType = "system.session_closed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	// For the engine this is always the user id.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, userID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: userID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XPAwardedEvent is emitted when XP is applied to the snapshot. Confirmed is
// false when the award was applied through the local fallback.
type XPAwardedEvent struct {
	BaseEvent
	Amount    int    `json:"amount"`
	NewTotal  int    `json:"new_total"`
	Source    string `json:"source"`
	Confirmed bool   `json:"confirmed"`
}

// Payload implements Event interface.
func (e XPAwardedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"amount":    e.Amount,
		"new_total": e.NewTotal,
		"source":    e.Source,
		"confirmed": e.Confirmed,
	}
}

// NewXPAwardedEvent creates a new XPAwardedEvent.
func NewXPAwardedEvent(userID string, amount, newTotal int, source string, confirmed bool, at time.Time) XPAwardedEvent {
	eventType := EventXPAwarded
	if !confirmed {
		eventType = EventXPDeferred
	}
	return XPAwardedEvent{
		BaseEvent: NewBaseEvent(eventType, userID, at),
		Amount:    amount,
		NewTotal:  newTotal,
		Source:    source,
		Confirmed: confirmed,
	}
}

// XPReconciledEvent is emitted when a journaled offline award was accepted
// by the remote authority.
type XPReconciledEvent struct {
	BaseEvent
	AwardID  string `json:"award_id"`
	Amount   int    `json:"amount"`
	NewTotal int    `json:"new_total"`
}

// Payload implements Event interface.
func (e XPReconciledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"award_id":  e.AwardID,
		"amount":    e.Amount,
		"new_total": e.NewTotal,
	}
}

// NewXPReconciledEvent creates a new XPReconciledEvent.
func NewXPReconciledEvent(userID, awardID string, amount, newTotal int, at time.Time) XPReconciledEvent {
	return XPReconciledEvent{
		BaseEvent: NewBaseEvent(EventXPReconciled, userID, at),
		AwardID:   awardID,
		Amount:    amount,
		NewTotal:  newTotal,
	}
}

// Reasons a journaled award is given up on.
const (
	DiscardRejected  = "rejected"
	DiscardExhausted = "attempts_exhausted"
)

// XPDiscardedEvent is emitted when a journaled award is dropped without
// reaching the remote authority.
type XPDiscardedEvent struct {
	BaseEvent
	AwardID  string `json:"award_id"`
	Amount   int    `json:"amount"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Payload implements Event interface.
func (e XPDiscardedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"award_id": e.AwardID,
		"amount":   e.Amount,
		"reason":   e.Reason,
		"attempts": e.Attempts,
	}
}

// NewXPDiscardedEvent creates a new XPDiscardedEvent.
func NewXPDiscardedEvent(userID, awardID string, amount int, reason string, attempts int, at time.Time) XPDiscardedEvent {
	return XPDiscardedEvent{
		BaseEvent: NewBaseEvent(EventXPDiscarded, userID, at),
		AwardID:   awardID,
		Amount:    amount,
		Reason:    reason,
		Attempts:  attempts,
	}
}

// LevelUpEvent is emitted when a learner reaches a new level.
type LevelUpEvent struct {
	BaseEvent
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	Title    string `json:"title"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"title":     e.Title,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(userID string, oldLevel, newLevel int, title string, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, userID, at),
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Title:     title,
	}
}

// StreakUpdatedEvent is emitted when the authoritative streak changes.
type StreakUpdatedEvent struct {
	BaseEvent
	OldStreak     int `json:"old_streak"`
	NewStreak     int `json:"new_streak"`
	LongestStreak int `json:"longest_streak"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_streak":     e.OldStreak,
		"new_streak":     e.NewStreak,
		"longest_streak": e.LongestStreak,
	}
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(userID string, oldStreak, newStreak, longest int, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent:     NewBaseEvent(EventStreakUpdated, userID, at),
		OldStreak:     oldStreak,
		NewStreak:     newStreak,
		LongestStreak: longest,
	}
}

// DailyGoalMetEvent is emitted once per day when the daily XP target is reached.
type DailyGoalMetEvent struct {
	BaseEvent
	TargetXP  int `json:"target_xp"`
	CurrentXP int `json:"current_xp"`
}

// Payload implements Event interface.
func (e DailyGoalMetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"target_xp":  e.TargetXP,
		"current_xp": e.CurrentXP,
	}
}

// NewDailyGoalMetEvent creates a new DailyGoalMetEvent.
func NewDailyGoalMetEvent(userID string, target, current int, at time.Time) DailyGoalMetEvent {
	return DailyGoalMetEvent{
		BaseEvent: NewBaseEvent(EventDailyGoalMet, userID, at),
		TargetXP:  target,
		CurrentXP: current,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Achievement Events
// ═══════════════════════════════════════════════════════════════════════════

// AchievementUnlockedEvent is emitted exactly once per Locked→Unlocked transition.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID  string `json:"achievement_id"`
	Category       string `json:"category"`
	XPReward       int    `json:"xp_reward"`
	NotificationID string `json:"notification_id"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievement_id":  e.AchievementID,
		"category":        e.Category,
		"xp_reward":       e.XPReward,
		"notification_id": e.NotificationID,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID, category string, xpReward int, notificationID string, at time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:      NewBaseEvent(EventAchievementUnlocked, userID, at),
		AchievementID:  achievementID,
		Category:       category,
		XPReward:       xpReward,
		NotificationID: notificationID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// SyncCompletedEvent is emitted after Initialize assembled a snapshot.
type SyncCompletedEvent struct {
	BaseEvent
	Degraded []string `json:"degraded,omitempty"`
	TotalXP  int      `json:"total_xp"`
}

// Payload implements Event interface.
func (e SyncCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"degraded": e.Degraded,
		"total_xp": e.TotalXP,
	}
}

// NewSyncCompletedEvent creates a new SyncCompletedEvent.
func NewSyncCompletedEvent(userID string, degraded []string, totalXP int, at time.Time) SyncCompletedEvent {
	return SyncCompletedEvent{
		BaseEvent: NewBaseEvent(EventSyncCompleted, userID, at),
		Degraded:  degraded,
		TotalXP:   totalXP,
	}
}

// SessionClosedEvent is emitted on sign-out.
type SessionClosedEvent struct {
	BaseEvent
}

// Payload implements Event interface.
func (e SessionClosedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{}
}

// NewSessionClosedEvent creates a new SessionClosedEvent.
func NewSessionClosedEvent(userID string, at time.Time) SessionClosedEvent {
	return SessionClosedEvent{BaseEvent: NewBaseEvent(EventSessionClosed, userID, at)}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Bus Interfaces
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all event types.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
