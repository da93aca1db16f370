package models

import "time"

type ContactStatus string

const (
	ContactActive ContactStatus = "active"
	ContactOptOut ContactStatus = "opt_out"
)

// Contact is owned by the contact directory. The dispatch engine reads it
// for identity resolution and template values, never mutates it.
type Contact struct {
	ID           int64             `json:"id"`
	Phone        string            `json:"phone"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	Status       ContactStatus     `json:"status"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
