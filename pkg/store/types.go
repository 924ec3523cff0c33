package store

import "time"

// User is a gateway account. Invariant: 0 <= Used <= Quota.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	PasswordDigest string    `json:"-"`
	Role           string    `json:"role"`
	Quota          int       `json:"quota"`
	Used           int       `json:"used"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RedeemCode is a single-use quota credit. A code transitions
// used=false -> used=true at most once, atomically with the credit.
type RedeemCode struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	Quota     int        `json:"quota"`
	Used      bool       `json:"used"`
	UsedBy    *string    `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// GenerateOptions is the structured form of a generation's options.
type GenerateOptions struct {
	AspectRatio string `json:"aspectRatio"`
	ImageSize   string `json:"imageSize"`
}

// HistoryRecord is one entry of a user's generation history.
// Options and RefImages are persisted as JSON strings and re-parsed on read.
type HistoryRecord struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Prompt    string          `json:"prompt"`
	ImageURL  string          `json:"image_url"`
	Options   GenerateOptions `json:"options"`
	RefImages []string        `json:"ref_images"`
	CreatedAt time.Time       `json:"created_at"`
}

// Usage log actions written by the control plane.
const (
	ActionLogin        = "login"
	ActionConsumeQuota = "consume_quota"
	ActionRedeemCode   = "redeem_code"
)
