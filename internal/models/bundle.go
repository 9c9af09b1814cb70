package models

import (
	"time"
)

// BundleItem identifies one record carried by a tracked bundle.
type BundleItem struct {
	EntityID string `json:"entity_id"`
	CID      string `json:"cid"`
}

// TrackedBundle is a bundle transaction awaiting seeding verification.
// VerifiedAt and FailedAt are mutually exclusive; both nil means pending.
type TrackedBundle struct {
	BundleTX   string       `json:"bundle_tx" db:"bundle_tx"`
	Items      []BundleItem `json:"items" db:"items"`
	ItemCount  int          `json:"item_count" db:"item_count"`
	UploadedAt time.Time    `json:"uploaded_at" db:"uploaded_at"`
	CheckCount int          `json:"check_count" db:"check_count"`
	VerifiedAt *time.Time   `json:"verified_at,omitempty" db:"verified_at"`
	FailedAt   *time.Time   `json:"failed_at,omitempty" db:"failed_at"`
}

// Pending returns true while the bundle has neither verified nor failed.
func (b *TrackedBundle) Pending() bool {
	return b.VerifiedAt == nil && b.FailedAt == nil
}

// Age returns how long the bundle has been on the network.
func (b *TrackedBundle) Age(now time.Time) time.Duration {
	return now.Sub(b.UploadedAt)
}
