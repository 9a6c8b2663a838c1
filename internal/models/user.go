package models

import "time"

// DefaultRole is assigned to users created through Google sign-in.
const DefaultRole = "USER"

// User is the directory view of an account.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// GoogleProfile carries the identity claims the login flow hands to the directory.
type GoogleProfile struct {
	Subject  string
	Email    string
	FullName string
}
