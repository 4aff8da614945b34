package session

import (
	"strings"
	"time"
)

// StepEventType says how a property value combines with the stored one.
type StepEventType string

const (
	EventSet StepEventType = "SET"
	EventInc StepEventType = "INC"
	EventDec StepEventType = "DEC"
)

// ParseStepEventType maps producer spellings onto the known types. Unknown or
// empty values fall back to SET.
func ParseStepEventType(raw string) StepEventType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "INC":
		return EventInc
	case "DEC":
		return EventDec
	default:
		return EventSet
	}
}

// StepState is the optional lifecycle signal carried by an event.
type StepState string

const (
	StateNone    StepState = ""
	StateWaiting StepState = "WAITING"
	StateRunning StepState = "RUNNING"
	StateError   StepState = "ERROR"
	StateOK      StepState = "OK"
)

func ParseStepState(raw string) StepState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WAITING":
		return StateWaiting
	case "RUNNING":
		return StateRunning
	case "ERROR":
		return StateError
	case "OK":
		return StateOK
	default:
		return StateNone
	}
}

// RawStepEvent is one immutable step property update. ID is assigned on
// insert and orders events that share a Date.
type RawStepEvent struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Tenant string `gorm:"column:tenant;not null;index:idx_step_event_window,priority:1;index:idx_step_event_key,unique,priority:1" json:"tenant"`
	Source string `gorm:"column:source;not null;index:idx_step_event_window,priority:2" json:"source"`
	// Producer supplied idempotency key, nil when the producer sends none.
	EventKey      *string       `gorm:"column:event_key;index:idx_step_event_key,unique,priority:2" json:"event_key,omitempty"`
	Session       string        `gorm:"column:session;not null" json:"session"`
	StepID        string        `gorm:"column:step_id;not null" json:"step_id"`
	StepType      string        `gorm:"column:step_type" json:"step_type"`
	Property      string        `gorm:"column:property" json:"property"`
	Value         string        `gorm:"column:value" json:"value"`
	EventType     StepEventType `gorm:"column:event_type;type:varchar(8)" json:"event_type"`
	State         StepState     `gorm:"column:state;type:varchar(16)" json:"state,omitempty"`
	InputRelated  bool          `gorm:"column:input_related" json:"input_related"`
	OutputRelated bool          `gorm:"column:output_related" json:"output_related"`
	Date          time.Time     `gorm:"column:date;not null;index:idx_step_event_window,priority:3" json:"date"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
}

func (RawStepEvent) TableName() string { return "step_property_event" }

// Key returns the aggregate key the event reduces into.
func (e *RawStepEvent) Key() StepKey {
	return StepKey{Source: e.Source, Session: e.Session, StepID: e.StepID}
}
