package quota

import "errors"

// Sentinel errors for quota enforcement. Adapters wrap their own failures
// with these so callers can branch with errors.Is.
var (
	ErrInvalidMetric      = errors.New("invalid metric")
	ErrInvalidState       = errors.New("invalid enforcement state")
	ErrInvalidAmount      = errors.New("invalid increment amount")
	ErrInvalidThresholds  = errors.New("invalid thresholds")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTransitionConflict = errors.New("concurrent transition conflict")
	ErrPlanNotFound       = errors.New("plan limits not configured")
	ErrNotSuspended       = errors.New("account is not suspended")
	ErrAccountRequired    = errors.New("account id required")
)
