// Package contacts captures visitor contacts submitted through popups.
package contacts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hanko-field/popups/internal/popup"
)

// Lead is one captured contact.
type Lead struct {
	ID          string     `firestore:"id" json:"id"`
	Popup       string     `firestore:"popup" json:"popup"`
	Kind        string     `firestore:"kind" json:"kind"`
	Contact     string     `firestore:"contact" json:"contact"`
	Value       string     `firestore:"value" json:"value"`
	PageSlug    string     `firestore:"pageSlug,omitempty" json:"pageSlug,omitempty"`
	Visitor     string     `firestore:"visitor,omitempty" json:"visitor,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt" json:"createdAt"`
	PublishedAt *time.Time `firestore:"publishedAt,omitempty" json:"-"`
}

// LeadKey is the storage key of a submission: the same contact submitted twice to the same popup
// maps to one lead.
func LeadKey(s popup.ContactSubmission) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{string(s.Identity), string(s.Contact), s.Value}, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// Event is the Pub/Sub payload announcing a new lead.
type Event struct {
	LeadID    string    `json:"leadId"`
	Popup     string    `json:"popup"`
	Kind      string    `json:"kind"`
	Contact   string    `json:"contact"`
	Value     string    `json:"value"`
	PageSlug  string    `json:"pageSlug,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func eventFor(lead Lead) Event {
	return Event{
		LeadID:    lead.ID,
		Popup:     lead.Popup,
		Kind:      lead.Kind,
		Contact:   lead.Contact,
		Value:     lead.Value,
		PageSlug:  lead.PageSlug,
		CreatedAt: lead.CreatedAt,
	}
}
