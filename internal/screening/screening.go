// Package screening buckets self-screening scores into risk tiers. The
// instrument is 7 questions scored 0-3 for a 0-21 total.
package screening

import (
	"errors"
	"fmt"
)

type Tier string

const (
	TierLow      Tier = "low"
	TierModerate Tier = "moderate"
	TierHigh     Tier = "high"
)

const MaxScore = 21

var ErrScoreOutOfRange = errors.New("score out of range")

// Bucket maps a total score to its risk tier: <=7 low, 8-14 moderate,
// >=15 high.
func Bucket(score int) (Tier, error) {
	if score < 0 || score > MaxScore {
		return "", fmt.Errorf("%w: %d", ErrScoreOutOfRange, score)
	}
	switch {
	case score <= 7:
		return TierLow, nil
	case score <= 14:
		return TierModerate, nil
	default:
		return TierHigh, nil
	}
}
