package internal

func warStatePriority(state WarState) int {
	switch state {
	case WarStateInWar:
		return 3
	case WarStatePreparation:
		return 2
	case WarStateEnded:
		return 1
	}
	return 0
}

// SelectCurrentWar picks the war to present for clanTag: live beats
// preparation beats ended, and the latest end time breaks ties. Wars the
// clan is not part of are ignored. ok is false when nothing qualifies.
func SelectCurrentWar(wars []War, clanTag string) (*War, bool) {
	var best *War
	for i := range wars {
		war := &wars[i]
		if !war.Involves(clanTag) {
			continue
		}
		if best == nil {
			best = war
			continue
		}
		p, bp := warStatePriority(war.State), warStatePriority(best.State)
		if p > bp || (p == bp && war.EndTime.After(best.EndTime.Time)) {
			best = war
		}
	}
	if best == nil {
		return nil, false
	}
	selected := *best
	return &selected, true
}
