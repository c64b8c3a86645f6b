package internal

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const maxWarFetchConcurrency = 4

// CollectLeagueWars fetches every real war in the group, round by round.
// Sentinel slots are never requested and a 404 skips its slot. Within a round
// at most concurrency requests are in flight and results keep slot order.
//
// The wars fetched so far are always returned. Access denied stops the walk
// and is returned as is. Any other failed slot is skipped and the walk goes
// on; the error then wraps ErrPartialResult, as it does when ctx ends first.
func CollectLeagueWars(ctx context.Context, api GameAPI, group *LeagueGroup, concurrency int) ([]War, error) {
	if group == nil {
		return nil, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > maxWarFetchConcurrency {
		concurrency = maxWarFetchConcurrency
	}

	var (
		wars     []War
		failures []error
		slots    int
	)
	for round, r := range group.Rounds {
		if err := ctx.Err(); err != nil {
			return wars, fmt.Errorf("%w: stopped before round %d: %v", ErrPartialResult, round+1, err)
		}

		tags := r.ActiveWarTags()
		if len(tags) == 0 {
			continue
		}
		slots += len(tags)

		results := make([]*War, len(tags))
		slotErrs := make([]error, len(tags))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i, tag := range tags {
			g.Go(func() error {
				war, err := api.GetLeagueWar(gctx, tag)
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				if err != nil {
					err = fmt.Errorf("fetching league war %s: %w", tag, err)
					if errors.Is(err, ErrAccessDenied) {
						return err
					}
					slotErrs[i] = err
					return nil
				}
				if war.WarTag == "" {
					war.WarTag = NormalizeTag(tag)
				}
				results[i] = war
				return nil
			})
		}
		err := g.Wait()

		for _, war := range results {
			if war != nil {
				wars = append(wars, *war)
			}
		}
		if err != nil {
			return wars, err
		}

		for _, slotErr := range slotErrs {
			if slotErr == nil {
				continue
			}
			if ctx.Err() != nil || isDeadline(slotErr) {
				return wars, fmt.Errorf("%w: round %d: %w", ErrPartialResult, round+1, slotErr)
			}
			failures = append(failures, slotErr)
		}
	}

	if len(failures) > 0 {
		return wars, fmt.Errorf("%w: %d of %d wars failed: %w", ErrPartialResult, len(failures), slots, errors.Join(failures...))
	}
	return wars, nil
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
