package util

import "errors"

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrModuleNotFound      = errors.New("learning module not found")
	ErrAchievementNotFound = errors.New("achievement not found")
	ErrPermissionDenied    = errors.New("permission denied")

	// 成就引擎
	ErrInvalidCriteria     = errors.New("invalid achievement criteria")
	ErrCapacityExceeded    = errors.New("achievement unlock capacity exceeded")
	ErrAchievementInactive = errors.New("achievement is not active")
	ErrPersistenceConflict = errors.New("concurrent write conflict")
	ErrPartialCommit       = errors.New("user credit committed but achievement aggregate update failed")
	ErrScanTimeout         = errors.New("achievement evaluation timed out")
	ErrInvalidSeries       = errors.New("invalid achievement series link")

	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrNotEnrolled     = errors.New("user is not enrolled in this module")
	ErrUnknownAction   = errors.New("unknown social action")
	ErrInvalidIcon     = errors.New("invalid achievement icon")
)
