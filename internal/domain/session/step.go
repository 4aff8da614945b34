package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StepKey identifies one aggregate inside a tenant.
type StepKey struct {
	Source  string `json:"source"`
	Session string `json:"session"`
	StepID  string `json:"step_id"`
}

func (k StepKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.Session, k.StepID)
}

// StepStateCounts summarises lifecycle signals seen for a step.
type StepStateCounts struct {
	WaitingCount int64 `gorm:"column:waiting_count;not null;default:0" json:"waiting_count"`
	ErrorCount   int64 `gorm:"column:error_count;not null;default:0" json:"error_count"`
	Running      bool  `gorm:"column:running;not null;default:false" json:"running"`
}

// SessionStepAggregate is the materialized state of one (source, session,
// step). LastUpdate never moves backwards.
type SessionStepAggregate struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Tenant             string            `gorm:"column:tenant;not null;index:idx_session_step_key,unique,priority:1" json:"tenant"`
	Source             string            `gorm:"column:source;not null;index:idx_session_step_key,unique,priority:2" json:"source"`
	Session            string            `gorm:"column:session;not null;index:idx_session_step_key,unique,priority:3" json:"session"`
	StepID             string            `gorm:"column:step_id;not null;index:idx_session_step_key,unique,priority:4" json:"step_id"`
	StepType           string            `gorm:"column:step_type" json:"step_type"`
	State              StepStateCounts   `gorm:"embedded;embeddedPrefix:state_" json:"state"`
	InputRelatedCount  int64             `gorm:"column:input_related_count;not null;default:0" json:"input_related_count"`
	OutputRelatedCount int64             `gorm:"column:output_related_count;not null;default:0" json:"output_related_count"`
	Properties         map[string]string `gorm:"-" json:"properties"`
	PropertiesJSON     datatypes.JSON    `gorm:"column:properties" json:"-"`
	LastUpdate         time.Time         `gorm:"column:last_update;not null;index" json:"last_update"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

func (SessionStepAggregate) TableName() string { return "session_step" }

func (a *SessionStepAggregate) Key() StepKey {
	return StepKey{Source: a.Source, Session: a.Session, StepID: a.StepID}
}

// Clone returns a deep copy; the properties map is not shared.
func (a *SessionStepAggregate) Clone() *SessionStepAggregate {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Properties = make(map[string]string, len(a.Properties))
	for k, v := range a.Properties {
		cp.Properties[k] = v
	}
	if a.PropertiesJSON != nil {
		cp.PropertiesJSON = append(datatypes.JSON(nil), a.PropertiesJSON...)
	}
	return &cp
}

func (a *SessionStepAggregate) BeforeSave(_ *gorm.DB) error {
	props := a.Properties
	if props == nil {
		props = map[string]string{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	a.PropertiesJSON = datatypes.JSON(raw)
	return nil
}

func (a *SessionStepAggregate) AfterFind(_ *gorm.DB) error {
	a.Properties = map[string]string{}
	if len(a.PropertiesJSON) == 0 || string(a.PropertiesJSON) == "null" {
		return nil
	}
	return json.Unmarshal(a.PropertiesJSON, &a.Properties)
}
