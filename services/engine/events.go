package engine

import "time"

type EventType int

const (
	EventEntry EventType = iota
	EventExit
	EventPartialExit
	EventEntryBlocked
	EventBreakerTrip
	EventCampaignHalt
	EventDayReset
)

func (t EventType) String() string {
	switch t {
	case EventEntry:
		return "entry"
	case EventExit:
		return "exit"
	case EventPartialExit:
		return "partial_exit"
	case EventEntryBlocked:
		return "entry_blocked"
	case EventBreakerTrip:
		return "breaker_trip"
	case EventCampaignHalt:
		return "campaign_halt"
	case EventDayReset:
		return "day_reset"
	}
	return "unknown"
}

type Event struct {
	Ts      time.Time
	Type    EventType
	Symbol  string
	Details map[string]string
}

// EventLog is the append-only audit trail of one run
type EventLog struct {
	Events []Event
}

func (l *EventLog) Append(e Event) { l.Events = append(l.Events, e) }

// Count returns how many events of type t were recorded
func (l *EventLog) Count(t EventType) int {
	n := 0
	for _, e := range l.Events {
		if e.Type == t {
			n++
		}
	}
	return n
}
