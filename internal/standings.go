package internal

import "sort"

type Outcome int

const (
	OutcomeTie Outcome = iota
	OutcomeClanWins
	OutcomeOpponentWins
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClanWins:
		return "clan"
	case OutcomeOpponentWins:
		return "opponent"
	}
	return "tie"
}

// SumAttackDestruction totals the destruction of every attack the side made.
// The side-level percentage is used only when no attack detail is present.
func SumAttackDestruction(side WarSide) float64 {
	total := 0.0
	attacks := 0
	for _, member := range side.Members {
		for _, attack := range member.Attacks {
			total += attack.DestructionPercentage
			attacks++
		}
	}
	if attacks == 0 {
		return side.DestructionPercentage
	}
	return total
}

// ResolveOutcome decides a war the way the game does: stars first, then
// destruction, otherwise a tie.
func ResolveOutcome(war War) Outcome {
	switch {
	case war.Clan.Stars > war.Opponent.Stars:
		return OutcomeClanWins
	case war.Clan.Stars < war.Opponent.Stars:
		return OutcomeOpponentWins
	}

	clanDestruction := SumAttackDestruction(war.Clan)
	opponentDestruction := SumAttackDestruction(war.Opponent)
	switch {
	case clanDestruction > opponentDestruction:
		return OutcomeClanWins
	case clanDestruction < opponentDestruction:
		return OutcomeOpponentWins
	}
	return OutcomeTie
}

// AggregateStandings folds the season's wars into one ranked table with an
// entry per clan in the group. Ended wars award the win bonus to the winner,
// live wars count raw stars, and wars still in preparation are skipped. Each
// call starts from zero.
func AggregateStandings(group *LeagueGroup, wars []War, rules GameRules) []StandingsEntry {
	if group == nil {
		return nil
	}

	entries := make([]StandingsEntry, 0, len(group.Clans))
	index := make(map[string]int, len(group.Clans))
	for _, clan := range group.Clans {
		tag := NormalizeTag(clan.Tag)
		if _, dup := index[tag]; dup || tag == "" {
			continue
		}
		index[tag] = len(entries)
		entries = append(entries, StandingsEntry{Tag: clan.Tag, Name: clan.Name})
	}

	seen := make(map[string]bool, len(wars))
	for _, war := range wars {
		if war.WarTag != "" {
			key := NormalizeTag(war.WarTag)
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		switch war.State {
		case WarStateEnded:
			outcome := ResolveOutcome(war)
			applySide(entries, index, war.Clan, outcome == OutcomeClanWins, rules.WinBonusStars)
			applySide(entries, index, war.Opponent, outcome == OutcomeOpponentWins, rules.WinBonusStars)
		case WarStateInWar:
			applySide(entries, index, war.Clan, false, 0)
			applySide(entries, index, war.Opponent, false, 0)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TotalStars != entries[j].TotalStars {
			return entries[i].TotalStars > entries[j].TotalStars
		}
		return entries[i].TotalDestruction > entries[j].TotalDestruction
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func applySide(entries []StandingsEntry, index map[string]int, side WarSide, won bool, bonus int) {
	i, ok := index[NormalizeTag(side.Tag)]
	if !ok {
		return
	}
	entry := &entries[i]
	entry.TotalStars += side.Stars
	entry.TotalDestruction += SumAttackDestruction(side)
	entry.WarCount++
	if won {
		entry.TotalStars += bonus
		entry.Wins++
	}
}

// ClanStanding returns the row for tag, if present.
func ClanStanding(entries []StandingsEntry, tag string) (StandingsEntry, bool) {
	tag = NormalizeTag(tag)
	for _, entry := range entries {
		if NormalizeTag(entry.Tag) == tag {
			return entry, true
		}
	}
	return StandingsEntry{}, false
}
