package store

import "time"

// Guide states. A rejected guide is deleted outright, so only the two
// live states are ever persisted.
const (
	StatePending  = "pending"
	StateApproved = "approved"
)

type Guide struct {
	ID            string
	CharacterID   string
	CharacterName string
	SubmitterName string
	Title         string
	Description   string
	ImagePath     string
	State         string
	CreatedAt     time.Time
}

type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
