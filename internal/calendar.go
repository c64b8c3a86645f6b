package internal

import (
	"fmt"
	"time"
)

type eventRule struct {
	eventType   EventType
	name        string
	description string
	window      func(year int, month time.Month) (time.Time, time.Time)
}

// CalendarPredictor projects the fixed monthly schedule of clan events. The
// game API does not publish it, so every event is tagged as a prediction.
type CalendarPredictor struct {
	rules GameRules
	order []eventRule
}

func NewCalendarPredictor(rules GameRules) *CalendarPredictor {
	p := &CalendarPredictor{rules: rules}
	p.order = []eventRule{
		{
			eventType:   EventCWL,
			name:        "Clan War League",
			description: "Sign-up, preparation and seven league war days.",
			window:      p.cwlWindow,
		},
		{
			eventType:   EventClanGames,
			name:        "Clan Games",
			description: "Clan-wide challenges for Clan Games rewards.",
			window:      p.clanGamesWindow,
		},
		{
			eventType:   EventSeasonEnd,
			name:        "Season End",
			description: "Season rewards are paid out.",
			window:      p.seasonEndWindow,
		},
		{
			eventType:   EventLeagueReset,
			name:        "League Reset",
			description: "Trophy leagues reset for the new season.",
			window:      p.leagueResetWindow,
		},
	}
	return p
}

// PredictEvents returns exactly one current or upcoming window per event
// type, in a fixed order.
func (p *CalendarPredictor) PredictEvents(now time.Time) []CalendarEvent {
	now = now.UTC()
	events := make([]CalendarEvent, 0, len(p.order))
	for _, rule := range p.order {
		start, end, status := pickWindowOrNext(now, rule.window)
		events = append(events, CalendarEvent{
			ID:          fmt.Sprintf("%s_%04d_%02d", rule.eventType, start.Year(), int(start.Month())),
			Type:        rule.eventType,
			Name:        rule.name,
			Description: rule.description,
			StartDate:   start,
			EndDate:     end,
			Status:      status,
			Source:      SourcePredictedPattern,
		})
	}
	return events
}

// pickWindowOrNext returns this month's window when it is running or still
// ahead, otherwise next month's window marked upcoming.
func pickWindowOrNext(now time.Time, window func(int, time.Month) (time.Time, time.Time)) (time.Time, time.Time, EventStatus) {
	start, end := window(now.Year(), now.Month())
	switch {
	case now.Before(start):
		return start, end, EventUpcoming
	case now.Before(end):
		return start, end, EventActive
	}

	next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	start, end = window(next.Year(), next.Month())
	return start, end, EventUpcoming
}

func (p *CalendarPredictor) at(year int, month time.Month, day int) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, p.rules.ResetHourUTC, 0, 0, 0, time.UTC)
}

func (p *CalendarPredictor) cwlWindow(year int, month time.Month) (time.Time, time.Time) {
	start := p.at(year, month, 1)
	return start, start.AddDate(0, 0, p.rules.CWLDurationDays)
}

func (p *CalendarPredictor) clanGamesWindow(year int, month time.Month) (time.Time, time.Time) {
	// the last day is played in full, up to the next reset
	return p.at(year, month, p.rules.ClanGamesStartDay), p.at(year, month, p.rules.ClanGamesEndDay).AddDate(0, 0, 1)
}

func (p *CalendarPredictor) seasonEndWindow(year int, month time.Month) (time.Time, time.Time) {
	instant := p.at(year, month, 1)
	return instant, instant
}

func (p *CalendarPredictor) leagueResetWindow(year int, month time.Month) (time.Time, time.Time) {
	instant := p.at(year, month, lastWeekday(year, month, time.Monday))
	return instant, instant
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func lastWeekday(year int, month time.Month, weekday time.Weekday) int {
	last := daysIn(year, month)
	offset := (int(time.Date(year, month, last, 0, 0, 0, 0, time.UTC).Weekday()) - int(weekday) + 7) % 7
	return last - offset
}
