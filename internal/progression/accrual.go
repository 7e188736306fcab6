package progression

import (
	"fmt"
	"time"

	apperrors "github.com/edgard/expybot/internal/errors"
)

// MessageAccrual splits messageLength plus the carried remainder into whole
// XP and a new remainder below xpIncreaseConstant.
func MessageAccrual(messageLength, carry, xpIncreaseConstant int64) (delta, newCarry int64, err error) {
	if xpIncreaseConstant <= 0 {
		return 0, 0, apperrors.NewValidationError(
			fmt.Sprintf("xp increase constant must be positive, got %d", xpIncreaseConstant), nil)
	}
	if messageLength < 0 {
		return 0, 0, apperrors.NewValidationError(
			fmt.Sprintf("message length must be non-negative, got %d", messageLength), nil)
	}
	if carry < 0 || carry >= xpIncreaseConstant {
		return 0, 0, apperrors.NewIntegrityError(
			fmt.Sprintf("character carry %d outside [0, %d)", carry, xpIncreaseConstant), nil)
	}

	total := messageLength + carry
	return total / xpIncreaseConstant, total % xpIncreaseConstant, nil
}

// VoiceMinutes returns the whole minutes elapsed between joinedAt and leftAt.
// A clock that went backwards yields zero.
func VoiceMinutes(joinedAt, leftAt time.Time) int64 {
	d := leftAt.Sub(joinedAt)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Minute)
}

// addXP adds delta to xp, saturating at the int64 bounds and clamping the
// result at zero.
func addXP(xp, delta int64) int64 {
	const maxXP = int64(^uint64(0) >> 1)
	switch {
	case delta > 0 && xp > maxXP-delta:
		return maxXP
	case xp+delta < 0:
		return 0
	}
	return xp + delta
}
