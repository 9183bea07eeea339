package models

import "time"

type User struct {
	ID        int64  `json:"id" example:"1"`                   // User ID
	Email     string `json:"email" example:"user@example.com"` // User email
	Tier      Tier   `json:"tier" example:"free"`              // Subscription tier
	LastLogin *time.Time
	CreatedAt time.Time
}
