// Package ingest appends raw step events received from producers to the
// event store of their tenant.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

var jsonFast = jsoniter.ConfigFastest

// TenantHeader carries the tenant when producers do not put it in the body.
const TenantHeader = "tenant"

// StepEventMessage is the wire form of one raw step event.
type StepEventMessage struct {
	Tenant        string    `json:"tenant,omitempty"`
	EventKey      string    `json:"eventKey,omitempty"`
	Source        string    `json:"source"`
	Session       string    `json:"session"`
	StepID        string    `json:"stepId"`
	StepType      string    `json:"stepType"`
	Property      string    `json:"property,omitempty"`
	Value         string    `json:"value,omitempty"`
	EventType     string    `json:"eventType,omitempty"`
	State         string    `json:"state,omitempty"`
	InputRelated  bool      `json:"inputRelated,omitempty"`
	OutputRelated bool      `json:"outputRelated,omitempty"`
	Date          time.Time `json:"date"`
}

func (m StepEventMessage) toEvent() *session.RawStepEvent {
	ev := &session.RawStepEvent{
		Source:        m.Source,
		Session:       m.Session,
		StepID:        m.StepID,
		StepType:      m.StepType,
		Property:      m.Property,
		Value:         m.Value,
		EventType:     session.ParseStepEventType(m.EventType),
		State:         session.ParseStepState(m.State),
		InputRelated:  m.InputRelated,
		OutputRelated: m.OutputRelated,
		Date:          m.Date.UTC(),
	}
	if k := strings.TrimSpace(m.EventKey); k != "" {
		ev.EventKey = &k
	}
	return ev
}

// Rejection reasons, also used as metric labels.
const (
	RejectMalformed     = "malformed"
	RejectInvalid       = "invalid"
	RejectUnknownTenant = "unknown_tenant"
)

// RejectedError marks a message that can never be stored. Consumers log and
// skip it instead of retrying.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string { return fmt.Sprintf("rejected (%s): %v", e.Reason, e.Err) }
func (e *RejectedError) Unwrap() error { return e.Err }

type Ingestor struct {
	log     *logger.Logger
	metrics *observability.Metrics
	tenants map[string]snapshot.Stores
}

func NewIngestor(baseLog *logger.Logger, metrics *observability.Metrics, stores ...snapshot.Stores) (*Ingestor, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("ingest: logger required")
	}
	tenants := make(map[string]snapshot.Stores, len(stores))
	for _, s := range stores {
		if s.Tenant == "" || s.Events == nil || s.Watermarks == nil || s.Tx == nil {
			return nil, fmt.Errorf("ingest: incomplete stores for tenant %q", s.Tenant)
		}
		tenants[s.Tenant] = s
	}
	return &Ingestor{
		log:     baseLog.With("component", "StepEventIngestor"),
		metrics: metrics,
		tenants: tenants,
	}, nil
}

// Decode parses one message body. The tenant header wins over the body.
func Decode(body []byte, headers map[string]string) (StepEventMessage, error) {
	var m StepEventMessage
	if err := jsonFast.Unmarshal(body, &m); err != nil {
		return m, &RejectedError{Reason: RejectMalformed, Err: err}
	}
	if t := strings.TrimSpace(headers[TenantHeader]); t != "" {
		m.Tenant = t
	}
	m.Tenant = strings.TrimSpace(m.Tenant)
	switch {
	case m.Tenant == "":
		return m, &RejectedError{Reason: RejectInvalid, Err: fmt.Errorf("missing tenant")}
	case strings.TrimSpace(m.Source) == "":
		return m, &RejectedError{Reason: RejectInvalid, Err: fmt.Errorf("missing source")}
	case strings.TrimSpace(m.Session) == "" || strings.TrimSpace(m.StepID) == "":
		return m, &RejectedError{Reason: RejectInvalid, Err: fmt.Errorf("missing session or stepId")}
	case m.Date.IsZero():
		return m, &RejectedError{Reason: RejectInvalid, Err: fmt.Errorf("missing date")}
	}
	return m, nil
}

// Handle decodes and stores one message. The event is appended and its
// source watermark created in one transaction. Rejected messages return a
// *RejectedError; any other error is transient.
func (i *Ingestor) Handle(ctx context.Context, body []byte, headers map[string]string) error {
	msg, err := Decode(body, headers)
	if err != nil {
		return i.reject(err)
	}
	stores, ok := i.tenants[msg.Tenant]
	if !ok {
		return i.reject(&RejectedError{Reason: RejectUnknownTenant, Err: fmt.Errorf("tenant %q not configured", msg.Tenant)})
	}

	ev := msg.toEvent()
	var added int
	err = stores.Tx.InTx(ctx, func(dbc dbctx.Context) error {
		n, err := stores.Events.Append(dbc, []*session.RawStepEvent{ev})
		if err != nil {
			return err
		}
		added = n
		if n == 0 {
			return nil
		}
		return stores.Watermarks.Ensure(dbc, []string{ev.Source})
	})
	if err != nil {
		return session.Wrap(session.CodeRetryable, "ingest.append", err)
	}
	i.metrics.AddIngested(msg.Tenant, added)
	if added == 0 {
		i.log.Debug("duplicate event skipped", "tenant", msg.Tenant, "source", ev.Source, "event_key", msg.EventKey)
	}
	return nil
}

func (i *Ingestor) reject(err error) error {
	reason := RejectInvalid
	var r *RejectedError
	if errors.As(err, &r) {
		reason = r.Reason
	}
	i.metrics.IncIngestRejected(reason)
	return err
}
