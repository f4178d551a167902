package shared

import "fmt"

// AutoReversalLockKey guards the scheduled reversal run of one company.
func AutoReversalLockKey(companyID int64) string {
	return fmt.Sprintf("gl:company:%d:auto-reversal:lock", companyID)
}

// IntegrityLockKey guards the integrity check of one company.
func IntegrityLockKey(companyID int64) string {
	return fmt.Sprintf("gl:company:%d:integrity:lock", companyID)
}
