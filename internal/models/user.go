package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Username       string
	HashedPassword string
}

func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Username: u.Username}
}
