package models

import "time"

// User is the read-only view of an account owned by the login flow.
type User struct {
	ID            string    `json:"id"`
	Email         *string   `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContactEmail returns the address usable for checkout, or "" when the user
// has no verified email.
func (u *User) ContactEmail() string {
	if u == nil || u.Email == nil || !u.EmailVerified {
		return ""
	}
	return *u.Email
}
