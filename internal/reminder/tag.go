// Package reminder tags events by how close they are and sends one reminder
// per event shortly before it starts.
package reminder

import (
	"fmt"
	"math"
	"time"
)

type State string

const (
	StateUpcoming     State = "upcoming"
	StateStartingSoon State = "starting-soon"
	StateInProgress   State = "in-progress"
	StateEnded        State = "ended"
)

// Status is the time tag shown next to an event.
type Status struct {
	State State  `json:"state"`
	Label string `json:"label"`
}

// Tag classifies an event relative to now. An event is starting soon once it
// is within lead of its start.
func Tag(now, startsAt, endsAt time.Time, lead time.Duration) Status {
	switch {
	case !now.Before(endsAt):
		return Status{State: StateEnded, Label: "ended"}
	case !now.Before(startsAt):
		return Status{State: StateInProgress, Label: "in progress"}
	}

	until := startsAt.Sub(now)
	state := StateUpcoming
	if until <= lead {
		state = StateStartingSoon
	}
	return Status{State: state, Label: "starts in " + humanize(until)}
}

func humanize(d time.Duration) string {
	switch {
	case d < time.Hour:
		return plural(int(math.Ceil(d.Minutes())), "minute")
	case d < 48*time.Hour:
		return plural(int(math.Round(d.Hours())), "hour")
	default:
		return plural(int(math.Round(d.Hours()/24)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
