package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"

	CollectionClan        = "clan"
	CollectionMembers     = "members"
	CollectionPlayers     = "players"
	CollectionClashStatus = "clashStatus"
	CollectionEvents      = "universalEvents"

	DocClanInfo   = "info"
	DocCurrentWar = "currentWar"
	DocCWL        = "cwl"
	DocRaid       = "raid"

	outcomeOK      = "ok"
	outcomePartial = "partial"

	raidSeasonStateOngoing = "ongoing"
	storeWriteTimeout      = 10 * time.Second
)

var roleMap = map[string]string{
	"leader":   "leader",
	"coLeader": "coleader",
	"admin":    "elder",
	"member":   "member",
}

// MapRole translates the API's role names. Unknown roles become "member".
func MapRole(external string) string {
	if role, ok := roleMap[external]; ok {
		return role
	}
	return "member"
}

type ClanDocument struct {
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Level       int       `json:"level"`
	Points      int       `json:"points"`
	WarWins     int       `json:"warWins"`
	WarLosses   int       `json:"warLosses"`
	WarTies     int       `json:"warTies"`
	WarLeague   string    `json:"warLeague,omitempty"`
	Location    string    `json:"location,omitempty"`
	MemberCount int       `json:"memberCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type MemberDocument struct {
	Tag               string    `json:"tag"`
	Name              string    `json:"name"`
	Role              string    `json:"role"`
	TownHallLevel     int       `json:"townHallLevel"`
	ExpLevel          int       `json:"expLevel"`
	Trophies          int       `json:"trophies"`
	League            string    `json:"league,omitempty"`
	Donations         int       `json:"donations"`
	DonationsReceived int       `json:"donationsReceived"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

type PlayerDocument struct {
	PlayerInfo
	LastUpdated time.Time `json:"lastUpdated"`
}

type WarSideSummary struct {
	Tag         string  `json:"tag"`
	Name        string  `json:"name"`
	Stars       int     `json:"stars"`
	Destruction float64 `json:"destruction"`
	Attacks     int     `json:"attacks"`
}

type WarStatus struct {
	Status      string          `json:"status"`
	State       WarState        `json:"state,omitempty"`
	WarTag      string          `json:"warTag,omitempty"`
	IsCWL       bool            `json:"isCwl"`
	TeamSize    int             `json:"teamSize,omitempty"`
	StartTime   APITime         `json:"startTime"`
	EndTime     APITime         `json:"endTime"`
	Clan        *WarSideSummary `json:"clan,omitempty"`
	Opponent    *WarSideSummary `json:"opponent,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

type CWLStatus struct {
	Status      string           `json:"status"`
	Season      string           `json:"season,omitempty"`
	League      string           `json:"league,omitempty"`
	Rank        int              `json:"rank,omitempty"`
	TotalClans  int              `json:"totalClans,omitempty"`
	Stars       int              `json:"stars"`
	Destruction float64          `json:"destruction"`
	Wins        int              `json:"wins"`
	WarCount    int              `json:"warCount"`
	Rounds      int              `json:"rounds,omitempty"`
	WarsFetched int              `json:"warsFetched"`
	Partial     bool             `json:"partial"`
	Standings   []StandingsEntry `json:"standings"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

type RaidStatus struct {
	Status                  string    `json:"status"`
	State                   string    `json:"state,omitempty"`
	StartTime               APITime   `json:"startTime"`
	EndTime                 APITime   `json:"endTime"`
	CapitalTotalLoot        int       `json:"capitalTotalLoot"`
	RaidsCompleted          int       `json:"raidsCompleted"`
	TotalAttacks            int       `json:"totalAttacks"`
	EnemyDistrictsDestroyed int       `json:"enemyDistrictsDestroyed"`
	OffensiveReward         int       `json:"offensiveReward"`
	DefensiveReward         int       `json:"defensiveReward"`
	LastUpdated             time.Time `json:"lastUpdated"`
}

// SyncResult holds every view computed by one run. It is complete whether or
// not a store is configured.
type SyncResult struct {
	ClanTag      string           `json:"clanTag"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   time.Time        `json:"finishedAt"`
	Clan         *ClanDocument    `json:"clan,omitempty"`
	Members      []MemberDocument `json:"members"`
	Player       *PlayerDocument  `json:"player,omitempty"`
	CurrentWar   WarStatus        `json:"currentWar"`
	CWL          CWLStatus        `json:"cwl"`
	Raid         RaidStatus       `json:"raid"`
	Events       []CalendarEvent  `json:"events"`
	Warnings     []string         `json:"warnings,omitempty"`
	FailedWrites int              `json:"failedWrites"`
	Partial      bool             `json:"partial"`
}

// SyncSummary is the completion event published after every run.
type SyncSummary struct {
	ClanTag      string    `json:"clanTag"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	Members      int       `json:"members"`
	WarsFetched  int       `json:"warsFetched"`
	WarStatus    string    `json:"warStatus"`
	CWLStatus    string    `json:"cwlStatus"`
	RaidStatus   string    `json:"raidStatus"`
	FailedWrites int       `json:"failedWrites"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// InactiveViews is what presentation falls back to before any run has
// succeeded.
func InactiveViews(now time.Time, predictor *CalendarPredictor) *SyncResult {
	return &SyncResult{
		CurrentWar: WarStatus{Status: StatusInactive},
		CWL:        CWLStatus{Status: StatusInactive, Standings: []StandingsEntry{}},
		Raid:       RaidStatus{Status: StatusInactive},
		Members:    []MemberDocument{},
		Events:     predictor.PredictEvents(now),
	}
}

type SyncOrchestrator struct {
	api         GameAPI
	store       DocumentStore
	publisher   SyncPublisher
	reporter    ErrorReporter
	calendar    *CalendarPredictor
	rules       GameRules
	clanTag     string
	playerTag   string
	concurrency int
	timeout     time.Duration
	logger      *Logger
	metrics     *MetricsCollector
	now         func() time.Time

	runMu  sync.Mutex
	lastMu sync.RWMutex
	last   *SyncResult
}

// NewSyncOrchestrator wires one clan's sync. store may be nil.
func NewSyncOrchestrator(cfg *Config, api GameAPI, store DocumentStore, logger *Logger, metrics *MetricsCollector) *SyncOrchestrator {
	if logger == nil {
		logger = NopLogger()
	}
	rules := cfg.GameRules()
	return &SyncOrchestrator{
		api:         api,
		store:       store,
		calendar:    NewCalendarPredictor(rules),
		rules:       rules,
		clanTag:     NormalizeTag(cfg.ClanTag),
		playerTag:   NormalizeTag(cfg.PlayerTag),
		concurrency: cfg.WarFetchConcurrency,
		timeout:     cfg.SyncTimeout,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

func (o *SyncOrchestrator) SetPublisher(p SyncPublisher) {
	o.publisher = p
}

func (o *SyncOrchestrator) SetErrorReporter(r ErrorReporter) {
	o.reporter = r
}

func (o *SyncOrchestrator) ClanTag() string {
	return o.clanTag
}

func (o *SyncOrchestrator) Calendar() *CalendarPredictor {
	return o.calendar
}

// LastResult returns the most recent completed run, or nil.
func (o *SyncOrchestrator) LastResult() *SyncResult {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last
}

// Run performs one full sync. Only a failure to fetch the clan itself, or an
// access-denied answer from any call, fails the run; everything else degrades
// to an inactive view and a warning. Runs in one process are serialised.
func (o *SyncOrchestrator) Run(ctx context.Context) (*SyncResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := o.now().UTC()
	result := InactiveViews(start, o.calendar)
	result.ClanTag = o.clanTag
	result.StartedAt = start

	o.logger.Info("sync_started").
		Component("orchestrator").
		Operation("run").
		Clan(o.clanTag, "").
		Log()

	if err := o.syncClan(ctx, result); err != nil {
		return nil, o.fail(result, fmt.Errorf("fetching clan %s: %w", o.clanTag, err))
	}
	if err := o.syncPlayer(ctx, result); err != nil {
		return nil, o.fail(result, err)
	}

	candidates, err := o.syncCurrentWar(ctx, result)
	if err != nil {
		return nil, o.fail(result, err)
	}
	cwlWars, err := o.syncCWL(ctx, result)
	if err != nil {
		return nil, o.fail(result, err)
	}
	candidates = append(candidates, cwlWars...)

	result.CurrentWar = o.warStatus(candidates, result.StartedAt)
	o.write(ctx, result, CollectionClashStatus, DocCurrentWar, result.CurrentWar)
	o.write(ctx, result, CollectionClashStatus, DocCWL, result.CWL)

	if err := o.syncRaid(ctx, result); err != nil {
		return nil, o.fail(result, err)
	}

	for _, event := range result.Events {
		o.write(ctx, result, CollectionEvents, event.ID, event)
	}

	result.FinishedAt = o.now().UTC()
	o.finish(result)
	return result, nil
}

func (o *SyncOrchestrator) syncClan(ctx context.Context, result *SyncResult) error {
	clan, err := o.api.GetClan(ctx, o.clanTag)
	if err != nil {
		return err
	}

	doc := &ClanDocument{
		Tag:         clan.Tag,
		Name:        clan.Name,
		Description: clan.Description,
		Level:       clan.ClanLevel,
		Points:      clan.ClanPoints,
		WarWins:     clan.WarWins,
		WarLosses:   clan.WarLosses,
		WarTies:     clan.WarTies,
		MemberCount: clan.Members,
		LastUpdated: result.StartedAt,
	}
	if clan.WarLeague != nil {
		doc.WarLeague = clan.WarLeague.Name
	}
	if clan.Location != nil {
		doc.Location = clan.Location.Name
	}
	if doc.MemberCount == 0 {
		doc.MemberCount = len(clan.MemberList)
	}
	result.Clan = doc
	o.write(ctx, result, CollectionClan, DocClanInfo, doc)

	for _, m := range clan.MemberList {
		member := MemberDocument{
			Tag:               m.Tag,
			Name:              m.Name,
			Role:              MapRole(m.Role),
			TownHallLevel:     m.TownHallLevel,
			ExpLevel:          m.ExpLevel,
			Trophies:          m.Trophies,
			Donations:         m.Donations,
			DonationsReceived: m.DonationsReceived,
			LastUpdated:       result.StartedAt,
		}
		if m.League != nil {
			member.League = m.League.Name
		}
		result.Members = append(result.Members, member)
		o.write(ctx, result, CollectionMembers, documentID(m.Tag), member)
	}
	return nil
}

func (o *SyncOrchestrator) syncPlayer(ctx context.Context, result *SyncResult) error {
	if o.playerTag == "" {
		return nil
	}
	player, err := o.api.GetPlayer(ctx, o.playerTag)
	if err != nil {
		return o.isolate(result, "player", err)
	}
	doc := &PlayerDocument{PlayerInfo: *player, LastUpdated: result.StartedAt}
	doc.Role = MapRole(doc.Role)
	result.Player = doc
	o.write(ctx, result, CollectionPlayers, documentID(player.Tag), doc)
	return nil
}

func (o *SyncOrchestrator) syncCurrentWar(ctx context.Context, result *SyncResult) ([]War, error) {
	war, err := o.api.GetCurrentWar(ctx, o.clanTag)
	if err != nil {
		return nil, o.isolate(result, "current_war", err)
	}
	return []War{*war}, nil
}

func (o *SyncOrchestrator) syncCWL(ctx context.Context, result *SyncResult) ([]War, error) {
	group, err := o.api.GetLeagueGroup(ctx, o.clanTag)
	if err != nil {
		return nil, o.isolate(result, "league_group", err)
	}

	wars, err := CollectLeagueWars(ctx, o.api, group, o.concurrency)
	switch {
	case errors.Is(err, ErrPartialResult):
		result.Partial = true
		o.warn(result, "league_wars", err)
	case err != nil:
		if ierr := o.isolate(result, "league_wars", err); ierr != nil {
			return nil, ierr
		}
	}

	standings := AggregateStandings(group, wars, o.rules)
	cwl := CWLFromStandings(group, standings, o.clanTag)
	cwl.WarsFetched = len(wars)
	cwl.Partial = errors.Is(err, ErrPartialResult)
	cwl.LastUpdated = result.StartedAt
	result.CWL = cwl

	o.logger.Info("cwl_standings_computed").
		Component("orchestrator").
		Operation("cwl").
		Clan(o.clanTag, "").
		Meta("season", group.Season).
		Meta("wars_fetched", len(wars)).
		Meta("rank", cwl.Rank).
		Meta("partial", cwl.Partial).
		Log()
	return wars, nil
}

// CWLFromStandings builds the tracked clan's CWL view from a computed table.
func CWLFromStandings(group *LeagueGroup, standings []StandingsEntry, clanTag string) CWLStatus {
	cwl := CWLStatus{
		Status:     StatusActive,
		Season:     group.Season,
		TotalClans: len(group.Clans),
		Rounds:     len(group.Rounds),
		Standings:  standings,
	}
	if cwl.Standings == nil {
		cwl.Standings = []StandingsEntry{}
	}
	if group.League != nil {
		cwl.League = group.League.Name
	}
	if entry, ok := ClanStanding(standings, clanTag); ok {
		cwl.Rank = entry.Rank
		cwl.Stars = entry.TotalStars
		cwl.Destruction = entry.TotalDestruction
		cwl.Wins = entry.Wins
		cwl.WarCount = entry.WarCount
	}
	return cwl
}

func (o *SyncOrchestrator) warStatus(candidates []War, now time.Time) WarStatus {
	war, ok := SelectCurrentWar(candidates, o.clanTag)
	if !ok {
		return WarStatus{Status: StatusInactive, LastUpdated: now}
	}

	ours, theirs, _ := war.Sides(o.clanTag)
	return WarStatus{
		Status:      StatusActive,
		State:       war.State,
		WarTag:      war.WarTag,
		IsCWL:       war.WarTag != "",
		TeamSize:    war.TeamSize,
		StartTime:   war.StartTime,
		EndTime:     war.EndTime,
		Clan:        summarizeSide(ours),
		Opponent:    summarizeSide(theirs),
		LastUpdated: now,
	}
}

func summarizeSide(side WarSide) *WarSideSummary {
	return &WarSideSummary{
		Tag:         side.Tag,
		Name:        side.Name,
		Stars:       side.Stars,
		Destruction: side.DestructionPercentage,
		Attacks:     side.Attacks,
	}
}

func (o *SyncOrchestrator) syncRaid(ctx context.Context, result *SyncResult) error {
	result.Raid.LastUpdated = result.StartedAt

	seasons, err := o.api.GetCapitalRaidSeasons(ctx, o.clanTag, 1)
	if err != nil {
		if ierr := o.isolate(result, "capital_raids", err); ierr != nil {
			return ierr
		}
	} else if len(seasons.Items) > 0 {
		latest := seasons.Items[0]
		status := StatusInactive
		if latest.State == raidSeasonStateOngoing {
			status = StatusActive
		}
		result.Raid = RaidStatus{
			Status:                  status,
			State:                   latest.State,
			StartTime:               latest.StartTime,
			EndTime:                 latest.EndTime,
			CapitalTotalLoot:        latest.CapitalTotalLoot,
			RaidsCompleted:          latest.RaidsCompleted,
			TotalAttacks:            latest.TotalAttacks,
			EnemyDistrictsDestroyed: latest.EnemyDistrictsDestroyed,
			OffensiveReward:         latest.OffensiveReward,
			DefensiveReward:         latest.DefensiveReward,
			LastUpdated:             result.StartedAt,
		}
	}

	o.write(ctx, result, CollectionClashStatus, DocRaid, result.Raid)
	return nil
}

// isolate absorbs a sub-fetch failure. Absence is silent, access denied is
// returned to abort the run, and anything else becomes a warning.
func (o *SyncOrchestrator) isolate(result *SyncResult, step string, err error) error {
	switch {
	case IsExpectedAbsence(err):
		o.logger.Debug("sync_step_inactive").
			Component("orchestrator").
			Operation(step).
			Clan(o.clanTag, "").
			Log()
		return nil
	case errors.Is(err, ErrAccessDenied):
		return fmt.Errorf("%s: %w", step, err)
	}
	o.warn(result, step, err)
	return nil
}

func (o *SyncOrchestrator) warn(result *SyncResult, step string, err error) {
	result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", step, err))
	o.logger.Warn("sync_step_failed").
		Component("orchestrator").
		Operation(step).
		Clan(o.clanTag, "").
		Err(err).
		ErrorCode(errorCode(err)).
		Log()
}

// write stores doc when a store is configured. Failures are counted, not
// returned, and run on a context that survives the sync deadline so partial
// results still land.
func (o *SyncOrchestrator) write(ctx context.Context, result *SyncResult, collection, id string, doc interface{}) {
	if o.store == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	if err := o.store.SetDocument(writeCtx, collection, id, doc); err != nil {
		result.FailedWrites++
		o.logger.Error("store_write_failed").
			Component("orchestrator").
			Operation("write").
			Err(err).
			Meta("collection", collection).
			Meta("document_id", id).
			Log()
	}
}

func (o *SyncOrchestrator) fail(result *SyncResult, err error) error {
	duration := o.now().Sub(result.StartedAt)
	code := errorCode(err)

	o.logger.Error("sync_failed").
		Component("orchestrator").
		Operation("run").
		Clan(o.clanTag, "").
		Duration(duration).
		Err(err).
		ErrorCode(code).
		Log()

	if o.reporter != nil {
		o.reporter.CaptureError("sync_failed", err, map[string]interface{}{
			"clan_tag":      o.clanTag,
			"failed_writes": result.FailedWrites,
		})
	}
	o.metrics.RecordSync(code, duration, result.FailedWrites)
	o.publish(SyncSummary{
		ClanTag:      o.clanTag,
		Outcome:      code,
		Error:        err.Error(),
		DurationMs:   duration.Milliseconds(),
		FailedWrites: result.FailedWrites,
		FinishedAt:   o.now().UTC(),
	})
	return err
}

func (o *SyncOrchestrator) finish(result *SyncResult) {
	duration := result.FinishedAt.Sub(result.StartedAt)
	outcome := outcomeOK
	if result.Partial {
		outcome = outcomePartial
	}

	o.lastMu.Lock()
	o.last = result
	o.lastMu.Unlock()

	o.metrics.RecordSync(outcome, duration, result.FailedWrites)
	o.logger.Info("sync_completed").
		Component("orchestrator").
		Operation("run").
		Clan(o.clanTag, result.CurrentWar.WarTag).
		Duration(duration).
		Meta("outcome", outcome).
		Meta("members", len(result.Members)).
		Meta("war_status", result.CurrentWar.Status).
		Meta("cwl_status", result.CWL.Status).
		Meta("raid_status", result.Raid.Status).
		Meta("warnings", len(result.Warnings)).
		Meta("failed_writes", result.FailedWrites).
		Log()

	o.publish(SyncSummary{
		ClanTag:      o.clanTag,
		Outcome:      outcome,
		DurationMs:   duration.Milliseconds(),
		Members:      len(result.Members),
		WarsFetched:  result.CWL.WarsFetched,
		WarStatus:    result.CurrentWar.Status,
		CWLStatus:    result.CWL.Status,
		RaidStatus:   result.Raid.Status,
		FailedWrites: result.FailedWrites,
		FinishedAt:   result.FinishedAt,
	})
}

func (o *SyncOrchestrator) publish(summary SyncSummary) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishSyncCompleted(summary); err != nil {
		o.logger.Warn("sync_completed_publish_failed").
			Component("orchestrator").
			Operation("publish").
			Err(err).
			Log()
	}
}

// documentID strips the leading '#' so tags can be used as document ids.
func documentID(tag string) string {
	return strings.TrimPrefix(NormalizeTag(tag), "#")
}
