package learning

import "options-scalper-bot/internal/playbook"

// Arm is one candidate parameter variant. Arms are derived fresh from the
// live base playbook at selection time; only their running statistics
// persist between selections.
type Arm struct {
	ID      string
	Changes map[string]interface{}
}

// ArmStats is the running reward record for one arm.
type ArmStats struct {
	Plays     int     `json:"plays"`
	RewardSum float64 `json:"reward_sum"`
	RewardSq  float64 `json:"reward_sq"`
}

// Mean returns the arm's mean per-unit reward, 0 with no plays.
func (s ArmStats) Mean() float64 {
	if s.Plays == 0 {
		return 0
	}
	return s.RewardSum / float64(s.Plays)
}

// DeriveArms builds the fixed candidate family from the current base
// playbook: base unchanged, a tighter and a looser variant, a
// trail-heavy trend variant and a defensive variant.
func DeriveArms(base playbook.Params) []Arm {
	tightMomentum := base.MomentumTicks + 1
	looseMomentum := base.MomentumTicks - 1
	if looseMomentum < 2 {
		looseMomentum = 2
	}
	return []Arm{
		{ID: "base", Changes: map[string]interface{}{
			"momentum_ticks": float64(base.MomentumTicks),
			"tp_points":      base.TPPoints,
			"sl_points":      base.SLPoints,
		}},
		{ID: "tight", Changes: map[string]interface{}{
			"momentum_ticks": float64(tightMomentum),
			"tp_points":      base.TPPoints * 0.8,
			"sl_points":      base.SLPoints * 0.8,
		}},
		{ID: "loose", Changes: map[string]interface{}{
			"momentum_ticks": float64(looseMomentum),
			"tp_points":      base.TPPoints * 1.25,
			"sl_points":      base.SLPoints * 1.2,
		}},
		{ID: "trend", Changes: map[string]interface{}{
			"momentum_ticks":   float64(base.MomentumTicks),
			"tp_points":        base.TPPoints * 1.5,
			"sl_points":        base.SLPoints,
			"trailing_enabled": true,
			"trail_distance":   base.TrailDistance * 1.5,
		}},
		{ID: "defensive", Changes: map[string]interface{}{
			"momentum_ticks": float64(tightMomentum),
			"tp_points":      base.TPPoints * 0.9,
			"sl_points":      base.SLPoints * 0.7,
		}},
	}
}
