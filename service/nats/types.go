package nats

import (
	"strings"
	"time"

	"github.com/brojonat/ecoride/service/reward"
)

// ReviewEvent is published to "reviews.{receipt_id}" for every distribution
// held for manual review.
type ReviewEvent struct {
	reward.ReviewRequest

	PublishedAt time.Time `json:"published_at"`
}

// AlertEvent is published to "alerts.{receipt_id}" when exactly one leg of a
// distribution confirmed.
type AlertEvent struct {
	reward.IntegrityAlert

	PublishedAt time.Time `json:"published_at"`
}

// ReviewSubject returns the subject a review request for receiptID is published on.
func ReviewSubject(receiptID string) string {
	return reviewPrefix + "." + SubjectToken(receiptID)
}

// AlertSubject returns the subject an integrity alert for receiptID is published on.
func AlertSubject(receiptID string) string {
	return alertPrefix + "." + SubjectToken(receiptID)
}

// SubjectToken makes a receipt id usable as a single subject token.
// Separators, wildcards and whitespace become underscores.
func SubjectToken(receiptID string) string {
	if receiptID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, receiptID)
}
