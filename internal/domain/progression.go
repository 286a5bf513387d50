package domain

import "time"

// Tier is one rung of the degree progression ladder.
type Tier struct {
	Level           int     `json:"level"`
	Name            string  `json:"name"`
	MinBacon        int64   `json:"min_bacon"` // in cents
	MinReferrals    int64   `json:"min_referrals"`
	MinQualityScore float64 `json:"min_quality_score"`
	Bonus           int64   `json:"bonus"` // in cents
}

// DegreeProgression is the per-account progression state.
// This struct maps directly to the `degree_progressions` table.
type DegreeProgression struct {
	AccountID                string    `json:"account_id"`
	CurrentTier              int       `json:"current_tier"`
	TotalBaconEarned         int64     `json:"total_bacon_earned"`
	TotalSuccessfulReferrals int64     `json:"total_successful_referrals"`
	QualityScore             float64   `json:"quality_score"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// TierAdvance moves an account from one tier to a higher one and credits the bonus
// in the same unit. The store rejects it with ErrStatusConflict when the stored
// tier no longer equals FromTier.
type TierAdvance struct {
	AccountID                string
	FromTier                 int
	ToTier                   int
	TotalBaconEarned         int64
	TotalSuccessfulReferrals int64
	At                       time.Time
	Bonus                    *PostRequest
}

// ProgressionView is the read model served to clients.
type ProgressionView struct {
	DegreeProgression
	TierName string `json:"tier_name"`
	NextTier *Tier  `json:"next_tier,omitempty"`
}
