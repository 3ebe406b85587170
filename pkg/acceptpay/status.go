package acceptpay

import (
	"strings"

	"github.com/npwellness/storefront-backend/pkg/enums"
)

// Normalize maps the gateway's raw status vocabulary onto the canonical
// transaction statuses. The gateway is inconsistent about casing and wording
// across its initiate, status and webhook surfaces, so the match is
// case-insensitive over every spelling observed in the wild.
//
// The second return reports whether the raw value was recognized. Unrecognized
// values normalize to pending so an unknown vocabulary addition can never flip
// a payment to failed; callers should log them.
func Normalize(rawStatus string) (enums.TransactionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(rawStatus)) {
	case "success", "completed", "paid", "captured":
		return enums.TransactionStatusSuccess, true
	case "failed", "fail", "failure", "rejected":
		return enums.TransactionStatusFailed, true
	case "timeout", "expired", "cancelled", "canceled":
		return enums.TransactionStatusCancelled, true
	case "initiated", "pending", "created", "processing":
		return enums.TransactionStatusPending, true
	default:
		return enums.TransactionStatusPending, false
	}
}
