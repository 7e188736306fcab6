// Package progression implements Expy's XP and level rules and the Engine
// that applies them to the ledger on every activity trigger.
package progression

import "math"

// levelScale is the factor between sqrt(xp) and the level.
const levelScale = 0.25

// MaxLevel bounds administrative level assignments so XPFromLevel stays
// exactly representable.
const MaxLevel = 1_000_000

// LevelFromXP returns floor(sqrt(xp) * 0.25). Negative XP maps to level 0.
func LevelFromXP(xp int64) int64 {
	if xp <= 0 {
		return 0
	}
	return int64(math.Floor(math.Sqrt(float64(xp)) * levelScale))
}

// XPFromLevel returns the minimum XP needed to reach level, floor((level/0.25)^2).
// It is not an exact inverse of LevelFromXP.
func XPFromLevel(level int64) int64 {
	if level <= 0 {
		return 0
	}
	v := float64(level) / levelScale
	return int64(math.Floor(v * v))
}

// XPToNextLevel returns how much XP a member holding xp still needs to
// reach the next level.
func XPToNextLevel(xp int64) int64 {
	next := XPFromLevel(LevelFromXP(xp) + 1)
	if next <= xp {
		return 0
	}
	return next - xp
}
