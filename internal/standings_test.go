package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"
)

func side(tag string, stars int, destruction float64) WarSide {
	return WarSide{Tag: tag, Name: tag, Stars: stars, DestructionPercentage: destruction}
}

func sideWithAttacks(tag string, stars int, attacks ...float64) WarSide {
	s := WarSide{Tag: tag, Stars: stars, DestructionPercentage: 1}
	for i, d := range attacks {
		s.Members = append(s.Members, MemberAttackRecord{
			Tag:     tag + "-m",
			Attacks: []Attack{{DestructionPercentage: d, Order: i + 1}},
		})
	}
	return s
}

func threeClanGroup() *LeagueGroup {
	return &LeagueGroup{
		Season: "2025-03",
		Clans: []LeagueClan{
			{Tag: "#US", Name: "Blue Team"},
			{Tag: "#OPP", Name: "Red Team"},
			{Tag: "#THIRD", Name: "Green Team"},
		},
		Rounds: []LeagueRound{
			{WarTags: []string{"#W1", "#0", "#0"}},
			{WarTags: []string{"#0", "#W2", "#0"}},
		},
	}
}

func findEntry(t *testing.T, entries []StandingsEntry, tag string) StandingsEntry {
	t.Helper()
	entry, ok := ClanStanding(entries, tag)
	if !ok {
		t.Fatalf("no standings entry for %s", tag)
	}
	return entry
}

func TestSumAttackDestruction(t *testing.T) {
	tests := []struct {
		name     string
		side     WarSide
		expected float64
	}{
		{"attack detail summed", sideWithAttacks("#A", 0, 100, 50, 25.5), 175.5},
		{"side level fallback", side("#A", 0, 62.5), 62.5},
		{"members without attacks fall back", WarSide{DestructionPercentage: 12, Members: []MemberAttackRecord{{Tag: "#M"}}}, 12},
		{"empty side", WarSide{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SumAttackDestruction(tt.side); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestResolveOutcome(t *testing.T) {
	tests := []struct {
		name     string
		war      War
		expected Outcome
	}{
		{"stars decide first", War{Clan: side("#A", 20, 60), Opponent: side("#B", 15, 80)}, OutcomeClanWins},
		{"opponent stars", War{Clan: side("#A", 10, 90), Opponent: side("#B", 11, 10)}, OutcomeOpponentWins},
		{"destruction breaks star tie", War{Clan: sideWithAttacks("#A", 30, 100, 50), Opponent: sideWithAttacks("#B", 30, 100, 42.5)}, OutcomeClanWins},
		{"destruction favours opponent", War{Clan: side("#A", 30, 142.5), Opponent: side("#B", 30, 150)}, OutcomeOpponentWins},
		{"full tie", War{Clan: side("#A", 30, 90), Opponent: side("#B", 30, 90)}, OutcomeTie},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveOutcome(tt.war); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestAggregateStandings_WinBonus(t *testing.T) {
	group := &LeagueGroup{Clans: []LeagueClan{{Tag: "#A"}, {Tag: "#B"}}}
	wars := []War{{State: WarStateEnded, WarTag: "#W", Clan: side("#A", 20, 60), Opponent: side("#B", 15, 80)}}

	entries := AggregateStandings(group, wars, DefaultGameRules())

	a := findEntry(t, entries, "#A")
	b := findEntry(t, entries, "#B")
	if a.TotalStars != 30 || a.Wins != 1 || a.TotalDestruction != 60 {
		t.Errorf("unexpected winner entry %+v", a)
	}
	if b.TotalStars != 15 || b.Wins != 0 || b.TotalDestruction != 80 {
		t.Errorf("unexpected loser entry %+v", b)
	}
	if a.Rank != 1 || b.Rank != 2 {
		t.Errorf("expected ranks 1 and 2, got %d and %d", a.Rank, b.Rank)
	}
}

func TestAggregateStandings_TieBreakByDestruction(t *testing.T) {
	group := &LeagueGroup{Clans: []LeagueClan{{Tag: "#A"}, {Tag: "#B"}}}
	wars := []War{{State: WarStateEnded, WarTag: "#W", Clan: side("#A", 30, 142.5), Opponent: side("#B", 30, 150)}}

	entries := AggregateStandings(group, wars, DefaultGameRules())

	b := findEntry(t, entries, "#B")
	if b.Wins != 1 || b.TotalStars != 40 {
		t.Errorf("expected #B to win on destruction, got %+v", b)
	}
	if entries[0].Tag != "#B" {
		t.Errorf("expected #B ranked first, got %s", entries[0].Tag)
	}
}

func TestAggregateStandings_TieAwardsNoBonus(t *testing.T) {
	group := &LeagueGroup{Clans: []LeagueClan{{Tag: "#A"}, {Tag: "#B"}}}
	wars := []War{{State: WarStateEnded, WarTag: "#W", Clan: side("#A", 25, 90), Opponent: side("#B", 25, 90)}}

	for _, entry := range AggregateStandings(group, wars, DefaultGameRules()) {
		if entry.TotalStars != 25 || entry.Wins != 0 || entry.WarCount != 1 {
			t.Errorf("unexpected entry on tie %+v", entry)
		}
	}
}

func TestAggregateStandings_ConfigurableBonus(t *testing.T) {
	group := &LeagueGroup{Clans: []LeagueClan{{Tag: "#A"}, {Tag: "#B"}}}
	wars := []War{{State: WarStateEnded, Clan: side("#A", 20, 60), Opponent: side("#B", 15, 80)}}
	rules := DefaultGameRules()
	rules.WinBonusStars = 5

	a := findEntry(t, AggregateStandings(group, wars, rules), "#A")
	if a.TotalStars != 25 {
		t.Errorf("expected configured bonus to apply, got %d", a.TotalStars)
	}
}

func TestAggregateStandings_SkipsPreparationAndUnknownSides(t *testing.T) {
	group := &LeagueGroup{Clans: []LeagueClan{{Tag: "#A"}, {Tag: "#B"}}}
	wars := []War{
		{State: WarStatePreparation, WarTag: "#P", Clan: side("#A", 0, 0), Opponent: side("#B", 0, 0)},
		{State: WarStateEnded, WarTag: "#X", Clan: side("#A", 10, 40), Opponent: side("#STRANGER", 5, 20)},
	}

	entries := AggregateStandings(group, wars, DefaultGameRules())

	a := findEntry(t, entries, "#A")
	if a.WarCount != 1 || a.TotalStars != 20 {
		t.Errorf("expected one counted war for #A, got %+v", a)
	}
	b := findEntry(t, entries, "#B")
	if b.WarCount != 0 {
		t.Errorf("preparation war must not count, got %+v", b)
	}
	if len(entries) != 2 {
		t.Errorf("unknown side must not add an entry, got %d entries", len(entries))
	}
}

func TestAggregateStandings_DuplicateWarCountedOnce(t *testing.T) {
	group := &LeagueGroup{Clans: []LeagueClan{{Tag: "#A"}, {Tag: "#B"}}, Rounds: []LeagueRound{{WarTags: []string{"#W"}}}}
	war := War{State: WarStateEnded, WarTag: "#W", Clan: side("#A", 20, 60), Opponent: side("#B", 15, 80)}

	entries := AggregateStandings(group, []War{war, war}, DefaultGameRules())
	for _, entry := range entries {
		if entry.WarCount > len(group.Rounds) {
			t.Errorf("warCount %d exceeds round count for %s", entry.WarCount, entry.Tag)
		}
	}
}

func TestAggregateStandings_Idempotent(t *testing.T) {
	group := threeClanGroup()
	wars := []War{
		{State: WarStateEnded, WarTag: "#W1", Clan: side("#US", 20, 70), Opponent: side("#OPP", 18, 65)},
		{State: WarStateInWar, WarTag: "#W2", Clan: side("#US", 5, 30), Opponent: side("#THIRD", 3, 20)},
	}

	first := AggregateStandings(group, wars, DefaultGameRules())
	second := AggregateStandings(group, wars, DefaultGameRules())
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated aggregation differs:\n%+v\n%+v", first, second)
	}
}

func TestAggregateStandings_NilGroup(t *testing.T) {
	if entries := AggregateStandings(nil, nil, DefaultGameRules()); entries != nil {
		t.Errorf("expected nil, got %+v", entries)
	}
}

func TestCollectLeagueWars_SkipsSentinelAndKeepsOrder(t *testing.T) {
	api := &fakeGameAPI{
		leagueWars: map[string]*War{
			"#W1": {State: WarStateEnded},
			"#W2": {State: WarStateInWar},
			"#W3": {State: WarStateInWar},
		},
	}
	group := &LeagueGroup{Rounds: []LeagueRound{
		{WarTags: []string{"#W1", "#0", "#MISSING"}},
		{WarTags: []string{"#0", "#0", "#0"}},
		{WarTags: []string{"#W3", "#W2"}},
	}}

	wars, err := CollectLeagueWars(context.Background(), api, group, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, tag := range api.requestedTags() {
		if tag == NoWarTag {
			t.Fatalf("sentinel %s was requested", NoWarTag)
		}
	}
	var got []string
	for _, w := range wars {
		got = append(got, w.WarTag)
	}
	expected := []string{"#W1", "#W3", "#W2"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestCollectLeagueWars_SequentialRequestOrder(t *testing.T) {
	api := &fakeGameAPI{leagueWars: map[string]*War{}}
	group := &LeagueGroup{Rounds: []LeagueRound{
		{WarTags: []string{"#A", "#B", "#C"}},
		{WarTags: []string{"#D"}},
	}}

	if _, err := CollectLeagueWars(context.Background(), api, group, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"#A", "#B", "#C", "#D"}
	if got := api.requestedTags(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected sequential order %v, got %v", expected, got)
	}
}

func TestCollectLeagueWars_AccessDeniedAborts(t *testing.T) {
	api := &fakeGameAPI{
		leagueWars: map[string]*War{"#W1": {State: WarStateEnded}},
		warErrs:    map[string]error{"#W2": ErrAccessDenied},
	}
	group := &LeagueGroup{Rounds: []LeagueRound{
		{WarTags: []string{"#W1"}},
		{WarTags: []string{"#W2"}},
		{WarTags: []string{"#W3"}},
	}}

	wars, err := CollectLeagueWars(context.Background(), api, group, 1)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if errors.Is(err, ErrPartialResult) {
		t.Errorf("access denied must not be reported as partial: %v", err)
	}
	if len(wars) != 1 {
		t.Errorf("expected the first round's war to be kept, got %d", len(wars))
	}
	for _, tag := range api.requestedTags() {
		if tag == "#W3" {
			t.Error("walk continued after access denied")
		}
	}
}

func TestCollectLeagueWars_TransientFailureSkipsSlot(t *testing.T) {
	api := &fakeGameAPI{
		leagueWars: map[string]*War{
			"#W2": {State: WarStateEnded},
			"#W3": {State: WarStateInWar},
		},
		warErrs: map[string]error{"#W1": &APIError{Status: 503, Body: "maintenance"}},
	}
	group := &LeagueGroup{Rounds: []LeagueRound{
		{WarTags: []string{"#W1"}},
		{WarTags: []string{"#W2"}},
		{WarTags: []string{"#W3"}},
	}}

	wars, err := CollectLeagueWars(context.Background(), api, group, 1)
	if !errors.Is(err, ErrPartialResult) {
		t.Fatalf("expected ErrPartialResult, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Errorf("expected the 503 to stay inspectable, got %v", err)
	}
	if got := api.requestedTags(); !reflect.DeepEqual(got, []string{"#W1", "#W2", "#W3"}) {
		t.Errorf("expected every round to be walked, got %v", got)
	}
	if len(wars) != 2 {
		t.Errorf("expected the two healthy wars, got %d", len(wars))
	}
}

func TestCollectLeagueWars_DeadlineReturnsPartial(t *testing.T) {
	api := &fakeGameAPI{
		leagueWars: map[string]*War{"#W1": {State: WarStateEnded}, "#W2": {State: WarStateEnded}},
		warDelay:   30 * time.Millisecond,
	}
	group := &LeagueGroup{Rounds: []LeagueRound{
		{WarTags: []string{"#W1"}},
		{WarTags: []string{"#W2"}},
		{WarTags: []string{"#W3"}},
		{WarTags: []string{"#W4"}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	wars, err := CollectLeagueWars(ctx, api, group, 1)
	if !errors.Is(err, ErrPartialResult) {
		t.Fatalf("expected ErrPartialResult, got %v", err)
	}
	if len(wars) == 0 || len(wars) >= 4 {
		t.Errorf("expected a partial set of wars, got %d", len(wars))
	}
}

func TestCollectLeagueWars_RateLimitPastDeadlineReturnsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := "#" + strings.TrimPrefix(r.URL.Path, "/clanwarleagues/wars/#")
		json.NewEncoder(w).Encode(War{State: WarStateEnded, WarTag: tag})
	}))
	defer server.Close()

	logger := createTestLogger()
	client := NewCocAPIClient(&Config{
		CocAPIKey:            "test-key",
		CocBaseURL:           server.URL,
		RequestTimeout:       2 * time.Second,
		APIRequestsPerSecond: 1,
		APIBurst:             1,
	}, nil, logger, NewMetricsCollector(logger))

	group := &LeagueGroup{Rounds: []LeagueRound{
		{WarTags: []string{"#W1"}},
		{WarTags: []string{"#W2"}},
		{WarTags: []string{"#W3"}},
		{WarTags: []string{"#W4"}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	wars, err := CollectLeagueWars(ctx, client, group, 1)
	if !errors.Is(err, ErrPartialResult) {
		t.Fatalf("expected ErrPartialResult, got %v", err)
	}
	if len(wars) != 2 {
		t.Errorf("expected 2 wars inside the deadline, got %d", len(wars))
	}
}

func TestStandings_EndToEnd(t *testing.T) {
	api := &fakeGameAPI{
		leagueWars: map[string]*War{
			"#W1": {State: WarStateEnded, Clan: side("#US", 20, 70), Opponent: side("#OPP", 18, 65)},
			"#W2": {State: WarStateInWar, Clan: side("#US", 5, 30), Opponent: side("#OPP", 3, 20)},
		},
	}
	group := threeClanGroup()

	wars, err := CollectLeagueWars(context.Background(), api, group, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := api.requestedTags(); !reflect.DeepEqual(got, []string{"#W1", "#W2"}) {
		t.Errorf("expected only real war tags fetched, got %v", got)
	}

	entries := AggregateStandings(group, wars, DefaultGameRules())

	us := findEntry(t, entries, "#US")
	if us.TotalStars != 35 || us.TotalDestruction != 100 || us.WarCount != 2 || us.Wins != 1 {
		t.Errorf("unexpected clan entry %+v", us)
	}
	opp := findEntry(t, entries, "#OPP")
	if opp.TotalStars != 21 || opp.TotalDestruction != 85 || opp.WarCount != 2 || opp.Wins != 0 {
		t.Errorf("unexpected opponent entry %+v", opp)
	}
	third := findEntry(t, entries, "#THIRD")
	if third.TotalStars != 0 || third.TotalDestruction != 0 || third.WarCount != 0 || third.Wins != 0 {
		t.Errorf("expected third clan to stay zero, got %+v", third)
	}
	if us.Rank != 1 || opp.Rank != 2 || third.Rank != 3 {
		t.Errorf("unexpected ranks %d/%d/%d", us.Rank, opp.Rank, third.Rank)
	}
}
