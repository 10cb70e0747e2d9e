package authapi

import (
	"time"

	"aula/cmd/internal/account"
)

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Login      string     `json:"login"`
	Status     string     `json:"status"`
	Presence   string     `json:"presence"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type loginResponse struct {
	Account        accountResponse `json:"account"`
	Token          string          `json:"token"`
	TokenExpiresAt time.Time       `json:"token_expires_at"`
}

type registerResponse struct {
	Account accountResponse `json:"account"`
}

type meResponse struct {
	Account accountResponse `json:"account"`
}

func toAccountResponse(a account.Account) accountResponse {
	return accountResponse{
		ID:         a.ID,
		Role:       string(a.Role),
		Login:      a.Login,
		Status:     string(a.Status),
		Presence:   string(a.Presence),
		LastSeenAt: a.LastSeenAt,
		CreatedAt:  a.CreatedAt,
	}
}
