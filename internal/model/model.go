package model

import (
	"time"

	"calendo/internal/recurrence"
)

// Category groups events and tasks. Names are unique, ignoring case.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecurringRule is a stored RRULE. Events and tasks point at it; the anchor
// (dtstart, duration) comes from the owner. ExDates are wall-clock starts
// removed from the series.
type RecurringRule struct {
	ID        string                 `json:"id"`
	RRule     string                 `json:"rrule"`
	Timezone  string                 `json:"timezone,omitempty"`
	ExDates   []recurrence.LocalTime `json:"ex_dates,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Event is a calendar entry before recurrence expansion. Start and End are
// wall-clock readings in Timezone. Events imported from iCalendar keep the
// feed they came from and their UID so a re-import updates them in place.
type Event struct {
	ID              string               `json:"id"`
	Title           string               `json:"title"`
	Description     string               `json:"description,omitempty"`
	Location        string               `json:"location,omitempty"`
	Start           recurrence.LocalTime `json:"start"`
	End             recurrence.LocalTime `json:"end"`
	AllDay          bool                 `json:"all_day"`
	Timezone        string               `json:"timezone"`
	CategoryID      *string              `json:"category_id,omitempty"`
	RecurringRuleID *string              `json:"recurring_rule_id,omitempty"`
	ParticipantIDs  []string             `json:"participant_ids"`
	Source          string               `json:"source,omitempty"`
	ExternalUID     string               `json:"external_uid,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
)

// Priority runs from 0 (none) to 3 (high).
const MaxTaskPriority = 3

type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Due             *time.Time `json:"due,omitempty"`
	Priority        int        `json:"priority"`
	Status          string     `json:"status"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CategoryID      *string    `json:"category_id,omitempty"`
	RecurringRuleID *string    `json:"recurring_rule_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Reminder belongs to exactly one event or task.
type Reminder struct {
	ID        string     `json:"id"`
	EventID   *string    `json:"event_id,omitempty"`
	TaskID    *string    `json:"task_id,omitempty"`
	RemindAt  time.Time  `json:"remind_at"`
	Message   string     `json:"message,omitempty"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TimeEntry is a tracked span of work. A nil End means the timer is running.
type TimeEntry struct {
	ID          string     `json:"id"`
	TaskID      *string    `json:"task_id,omitempty"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (e TimeEntry) Running() bool { return e.End == nil }

// Occurrence is a single expanded instance of an event.
type Occurrence struct {
	EventID        string    `json:"event_id"`
	Title          string    `json:"title"`
	AllDay         bool      `json:"all_day"`
	Timezone       string    `json:"timezone"`
	StartUTC       time.Time `json:"start_utc"`
	EndUTC         time.Time `json:"end_utc"`
	StartLocalRepr string    `json:"start_local_repr"`
	EndLocalRepr   string    `json:"end_local_repr"`
}
