package reconcile

import "strings"

type Status string

const (
	Matched    Status = "matched"
	Mismatched Status = "mismatched"
	Unknown    Status = "unknown"
)

// Check compares the connected wallet with the configured payout address.
// A mismatch is advisory: the operator may have rotated wallets on purpose.
func Check(connected, configured string) Status {
	a := strings.TrimSpace(connected)
	b := strings.TrimSpace(configured)
	if a == "" || b == "" {
		return Unknown
	}
	if strings.EqualFold(a, b) {
		return Matched
	}
	return Mismatched
}
