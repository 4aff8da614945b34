package snapshot

import (
	"sort"
	"strconv"

	"github.com/yungbote/session-snapshot/internal/domain/session"
)

// Merge folds events into prior and returns the new aggregate. prior is not
// modified. All events are expected to share one (session, stepId); callers
// with mixed batches use MergeAll. Merge never fails: property values that do
// not parse as integers fall back to overwrite semantics.
func Merge(prior *session.SessionStepAggregate, events []*session.RawStepEvent) *session.SessionStepAggregate {
	ordered := sortedEvents(events)
	if prior == nil && len(ordered) == 0 {
		return nil
	}

	var out *session.SessionStepAggregate
	if prior != nil {
		out = prior.Clone()
	} else {
		first := ordered[0]
		out = &session.SessionStepAggregate{
			Tenant:     first.Tenant,
			Source:     first.Source,
			Session:    first.Session,
			StepID:     first.StepID,
			StepType:   first.StepType,
			Properties: map[string]string{},
		}
	}
	if out.Properties == nil {
		out.Properties = map[string]string{}
	}

	for _, ev := range ordered {
		apply(out, ev)
	}
	return out
}

// MergeAll groups events by step key and merges each group into its prior.
// priors may be missing keys; the result holds one aggregate per key that
// received at least one event.
func MergeAll(priors map[session.StepKey]*session.SessionStepAggregate, events []*session.RawStepEvent) map[session.StepKey]*session.SessionStepAggregate {
	groups := GroupByStep(events)
	out := make(map[session.StepKey]*session.SessionStepAggregate, len(groups))
	for key, group := range groups {
		out[key] = Merge(priors[key], group)
	}
	return out
}

// GroupByStep partitions events by step key, keeping input order per group.
func GroupByStep(events []*session.RawStepEvent) map[session.StepKey][]*session.RawStepEvent {
	groups := map[session.StepKey][]*session.RawStepEvent{}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		k := ev.Key()
		groups[k] = append(groups[k], ev)
	}
	return groups
}

func sortedEvents(events []*session.RawStepEvent) []*session.RawStepEvent {
	out := make([]*session.RawStepEvent, 0, len(events))
	for _, ev := range events {
		if ev != nil {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func apply(agg *session.SessionStepAggregate, ev *session.RawStepEvent) {
	if agg.StepType == "" {
		agg.StepType = ev.StepType
	}
	if ev.InputRelated {
		agg.InputRelatedCount++
	}
	if ev.OutputRelated {
		agg.OutputRelatedCount++
	}

	switch ev.State {
	case session.StateWaiting:
		agg.State.WaitingCount++
	case session.StateError:
		agg.State.ErrorCount++
	case session.StateRunning:
		if !agg.State.Running {
			agg.State.Running = true
		}
	}

	if ev.Property != "" {
		agg.Properties[ev.Property] = mergeProperty(agg.Properties, ev)
	}

	if ev.Date.After(agg.LastUpdate) {
		agg.LastUpdate = ev.Date
	}
}

func mergeProperty(props map[string]string, ev *session.RawStepEvent) string {
	current, seen := props[ev.Property]
	if !seen {
		return ev.Value
	}
	if ev.EventType != session.EventInc && ev.EventType != session.EventDec {
		return ev.Value
	}
	stored, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return ev.Value
	}
	delta, err := strconv.ParseInt(ev.Value, 10, 64)
	if err != nil {
		return ev.Value
	}
	if ev.EventType == session.EventDec {
		delta = -delta
	}
	return strconv.FormatInt(stored+delta, 10)
}
