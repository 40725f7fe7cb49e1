package models

import "time"

// ChatUser identifies a member within a single chat. Both entities
// below are keyed by it: at most one of each per pair.
type ChatUser struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengePassed  ChallengeStatus = "passed"
	ChallengeFailed  ChallengeStatus = "failed"
	ChallengeExpired ChallengeStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengePassed || s == ChallengeFailed || s == ChallengeExpired
}

// Challenge is one pending verification puzzle issued to a new member.
type Challenge struct {
	ID                string          `json:"id"`
	ChatID            int64           `json:"chat_id"`
	UserID            int64           `json:"user_id"`
	MessageID         int             `json:"message_id"`
	Variant           string          `json:"variant"`
	CorrectToken      string          `json:"correct_token"`
	Options           []string        `json:"options"`
	IssuedAt          time.Time       `json:"issued_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AttemptsRemaining int             `json:"attempts_remaining"`
	Status            ChallengeStatus `json:"status"`
}

func (c *Challenge) Key() ChatUser {
	return ChatUser{ChatID: c.ChatID, UserID: c.UserID}
}

func (c *Challenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// TrackingWindow is a bounded buffer of a freshly verified user's
// messages awaiting spam classification. MessageIDs runs parallel to
// Messages so a spam verdict can remove the whole flagged batch.
type TrackingWindow struct {
	ChatID     int64     `json:"chat_id"`
	UserID     int64     `json:"user_id"`
	Messages   []string  `json:"messages"`
	MessageIDs []int64   `json:"message_ids"`
	OpenedAt   time.Time `json:"opened_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (w *TrackingWindow) Key() ChatUser {
	return ChatUser{ChatID: w.ChatID, UserID: w.UserID}
}

// Verdict is the result of content classification.
type Verdict string

const (
	// VerdictNone means the tracking window is still accumulating.
	VerdictNone   Verdict = ""
	VerdictSpam   Verdict = "spam"
	VerdictBenign Verdict = "benign"
)
