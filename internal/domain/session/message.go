package session

import "time"

// AggregateChanged is published once per aggregate touched by a pass.
// Consumers upsert on (tenant, source, session, step_id).
type AggregateChanged struct {
	Tenant             string            `json:"tenant"`
	Source             string            `json:"source"`
	Session            string            `json:"session"`
	StepID             string            `json:"step_id"`
	StepType           string            `json:"step_type"`
	State              StepStateCounts   `json:"state"`
	InputRelatedCount  int64             `json:"input_related_count"`
	OutputRelatedCount int64             `json:"output_related_count"`
	Properties         map[string]string `json:"properties"`
	LastUpdate         time.Time         `json:"last_update"`
}

func NewAggregateChanged(a *SessionStepAggregate) AggregateChanged {
	props := make(map[string]string, len(a.Properties))
	for k, v := range a.Properties {
		props[k] = v
	}
	return AggregateChanged{
		Tenant:             a.Tenant,
		Source:             a.Source,
		Session:            a.Session,
		StepID:             a.StepID,
		StepType:           a.StepType,
		State:              a.State,
		InputRelatedCount:  a.InputRelatedCount,
		OutputRelatedCount: a.OutputRelatedCount,
		Properties:         props,
		LastUpdate:         a.LastUpdate,
	}
}

// MessageKey is the partition/upsert key for a published aggregate.
func (m AggregateChanged) MessageKey() string {
	return m.Tenant + "|" + m.Source + "|" + m.Session + "|" + m.StepID
}
