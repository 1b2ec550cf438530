package domain

import "time"

// StoredMessage is one conversation turn kept by the session store.
type StoredMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
