package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// cocTimeLayout is the documented format of every timestamp field in the
// game API, e.g. "20250101T080000.000Z".
const cocTimeLayout = "20060102T150405.000Z"

// APITime decodes the game API's string timestamps. RFC3339 is also accepted
// so documents written by this service can be read back. Numeric epochs are
// rejected: the API never sends them and their unit cannot be known.
type APITime struct {
	time.Time
}

func (t *APITime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string, got %s", string(data))
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(cocTimeLayout, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("unrecognised timestamp %q", raw)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

func (t APITime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func NewAPITime(t time.Time) APITime {
	return APITime{Time: t.UTC()}
}

type ClanRef struct {
	Tag  string `json:"tag"`
	Name string `json:"name"`
}

type NamedRef struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name"`
}

type ClanInfo struct {
	Tag            string       `json:"tag"`
	Name           string       `json:"name"`
	Type           string       `json:"type"`
	Description    string       `json:"description"`
	Location       *NamedRef    `json:"location,omitempty"`
	ClanLevel      int          `json:"clanLevel"`
	ClanPoints     int          `json:"clanPoints"`
	WarWins        int          `json:"warWins"`
	WarLosses      int          `json:"warLosses"`
	WarTies        int          `json:"warTies"`
	WarLeague      *NamedRef    `json:"warLeague,omitempty"`
	Members        int          `json:"members"`
	MemberList     []ClanMember `json:"memberList"`
	IsWarLogPublic bool         `json:"isWarLogPublic"`
}

type ClanMember struct {
	Tag               string    `json:"tag"`
	Name              string    `json:"name"`
	Role              string    `json:"role"`
	ExpLevel          int       `json:"expLevel"`
	TownHallLevel     int       `json:"townHallLevel"`
	Trophies          int       `json:"trophies"`
	League            *NamedRef `json:"league,omitempty"`
	Donations         int       `json:"donations"`
	DonationsReceived int       `json:"donationsReceived"`
}

type PlayerInfo struct {
	Tag           string    `json:"tag"`
	Name          string    `json:"name"`
	ExpLevel      int       `json:"expLevel"`
	TownHallLevel int       `json:"townHallLevel"`
	Trophies      int       `json:"trophies"`
	BestTrophies  int       `json:"bestTrophies"`
	WarStars      int       `json:"warStars"`
	Role          string    `json:"role"`
	Clan          *ClanRef  `json:"clan,omitempty"`
	League        *NamedRef `json:"league,omitempty"`
}

type WarState string

const (
	WarStatePreparation WarState = "preparation"
	WarStateInWar       WarState = "inWar"
	WarStateEnded       WarState = "warEnded"
	WarStateNotInWar    WarState = "notInWar"
)

type War struct {
	State                WarState `json:"state"`
	TeamSize             int      `json:"teamSize"`
	AttacksPerMember     int      `json:"attacksPerMember,omitempty"`
	PreparationStartTime APITime  `json:"preparationStartTime"`
	StartTime            APITime  `json:"startTime"`
	EndTime              APITime  `json:"endTime"`
	Clan                 WarSide  `json:"clan"`
	Opponent             WarSide  `json:"opponent"`
	// WarTag is only set for league wars; the API omits it from the war body,
	// so it is filled in from the round that listed it.
	WarTag string `json:"warTag,omitempty"`
}

type WarSide struct {
	Tag                   string               `json:"tag"`
	Name                  string               `json:"name"`
	ClanLevel             int                  `json:"clanLevel"`
	Attacks               int                  `json:"attacks"`
	Stars                 int                  `json:"stars"`
	DestructionPercentage float64              `json:"destructionPercentage"`
	Members               []MemberAttackRecord `json:"members,omitempty"`
}

type MemberAttackRecord struct {
	Tag           string   `json:"tag"`
	Name          string   `json:"name"`
	TownHallLevel int      `json:"townhallLevel"`
	MapPosition   int      `json:"mapPosition"`
	Attacks       []Attack `json:"attacks,omitempty"`
}

type Attack struct {
	AttackerTag           string  `json:"attackerTag"`
	DefenderTag           string  `json:"defenderTag"`
	Stars                 int     `json:"stars"`
	DestructionPercentage float64 `json:"destructionPercentage"`
	Order                 int     `json:"order"`
	Duration              int     `json:"duration"`
}

// Involves reports whether either side of the war is the given clan.
func (w War) Involves(tag string) bool {
	tag = NormalizeTag(tag)
	return NormalizeTag(w.Clan.Tag) == tag || NormalizeTag(w.Opponent.Tag) == tag
}

// Sides returns (ours, theirs) for the given clan tag.
func (w War) Sides(tag string) (WarSide, WarSide, bool) {
	tag = NormalizeTag(tag)
	switch {
	case NormalizeTag(w.Clan.Tag) == tag:
		return w.Clan, w.Opponent, true
	case NormalizeTag(w.Opponent.Tag) == tag:
		return w.Opponent, w.Clan, true
	}
	return WarSide{}, WarSide{}, false
}

// NoWarTag marks an empty slot in a league round.
const NoWarTag = "#0"

type LeagueGroup struct {
	State  string        `json:"state"`
	Season string        `json:"season"`
	League *NamedRef     `json:"league,omitempty"`
	Clans  []LeagueClan  `json:"clans"`
	Rounds []LeagueRound `json:"rounds"`
}

type LeagueClan struct {
	Tag       string `json:"tag"`
	Name      string `json:"name"`
	ClanLevel int    `json:"clanLevel"`
}

type LeagueRound struct {
	WarTags []string `json:"warTags"`
}

// ActiveWarTags returns the round's war tags without empty slots, in order.
func (r LeagueRound) ActiveWarTags() []string {
	var tags []string
	for _, tag := range r.WarTags {
		if tag == "" || tag == NoWarTag {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}

type RaidSeasonList struct {
	Items []RaidSeason `json:"items"`
}

type RaidSeason struct {
	State                   string            `json:"state"`
	StartTime               APITime           `json:"startTime"`
	EndTime                 APITime           `json:"endTime"`
	CapitalTotalLoot        int               `json:"capitalTotalLoot"`
	RaidsCompleted          int               `json:"raidsCompleted"`
	TotalAttacks            int               `json:"totalAttacks"`
	EnemyDistrictsDestroyed int               `json:"enemyDistrictsDestroyed"`
	OffensiveReward         int               `json:"offensiveReward"`
	DefensiveReward         int               `json:"defensiveReward"`
	DefenseLog              []json.RawMessage `json:"defenseLog,omitempty"`
}

type StandingsEntry struct {
	Rank             int     `json:"rank"`
	Tag              string  `json:"tag"`
	Name             string  `json:"name"`
	TotalStars       int     `json:"totalStars"`
	TotalDestruction float64 `json:"totalDestruction"`
	WarCount         int     `json:"warCount"`
	Wins             int     `json:"wins"`
}

type EventType string

const (
	EventCWL         EventType = "cwl"
	EventClanGames   EventType = "clan_games"
	EventSeasonEnd   EventType = "season_end"
	EventLeagueReset EventType = "league_reset"
)

type EventStatus string

const (
	EventActive    EventStatus = "active"
	EventUpcoming  EventStatus = "upcoming"
	EventCompleted EventStatus = "completed"
)

const SourcePredictedPattern = "predicted_pattern"

type CalendarEvent struct {
	ID          string      `json:"id"`
	Type        EventType   `json:"type"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	StartDate   time.Time   `json:"startDate"`
	EndDate     time.Time   `json:"endDate"`
	Status      EventStatus `json:"status"`
	Source      string      `json:"source"`
}

type SyncTask struct {
	ClanTag     string    `json:"clanTag"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// NormalizeTag trims, uppercases and ensures the leading '#'.
func NormalizeTag(tag string) string {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	if tag == "" {
		return ""
	}
	if !strings.HasPrefix(tag, "#") {
		tag = "#" + tag
	}
	return tag
}

// EncodeTag percent-encodes '#' for use in a request path or query.
func EncodeTag(tag string) string {
	return strings.ReplaceAll(NormalizeTag(tag), "#", "%23")
}
