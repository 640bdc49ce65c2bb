package contract

import "context"

const frac64Denominator = 1_000_000_000

// tier is the default reward share (in frac64) for a given rank bucket.
type tier struct {
	minRank int
	maxRank int
	share   int64
}

// defaultTiers mirrors the coordinator's default emission schedule: rank 1
// gets 35%, ranks 2-5 get 10% each, ranks 6-10 get 5% each, beyond rank 10
// nothing.
var defaultTiers = []tier{
	{minRank: 1, maxRank: 1, share: 350_000_000},
	{minRank: 2, maxRank: 5, share: 100_000_000},
	{minRank: 6, maxRank: 10, share: 50_000_000},
}

// DefaultBuildEmission implements the default tier schedule, redistributing
// unfilled tiers (fewer than 10 ranked models) equally across the ranked
// entries that exist, and absorbing rounding drift into rank 1 so the sum is
// exactly 1e9 for any non-empty ranking. An empty ranking yields empty
// reward maps.
func DefaultBuildEmission(_ context.Context, ranked []RankedModel, _ TimePeriod) (EmissionResult, error) {
	result := EmissionResult{
		CruncherRewards:        make(map[string]int64),
		ComputeProviderRewards: make(map[string]int64),
		DataProviderRewards:    make(map[string]int64),
	}
	if len(ranked) == 0 {
		return result, nil
	}

	var allocated int64
	filledShare := int64(0)
	for _, t := range defaultTiers {
		for rank := t.minRank; rank <= t.maxRank; rank++ {
			if rank <= len(ranked) {
				filledShare += t.share
			}
		}
	}
	unfilled := frac64Denominator - filledShare

	for _, t := range defaultTiers {
		for rank := t.minRank; rank <= t.maxRank; rank++ {
			if rank > len(ranked) {
				continue
			}
			modelID := ranked[rank-1].ModelID
			result.CruncherRewards[modelID] += t.share
			allocated += t.share
		}
	}

	if unfilled > 0 {
		per := unfilled / int64(len(ranked))
		for _, m := range ranked {
			result.CruncherRewards[m.ModelID] += per
			allocated += per
		}
	}

	drift := frac64Denominator - allocated
	if drift != 0 {
		result.CruncherRewards[ranked[0].ModelID] += drift
	}

	return result, nil
}
