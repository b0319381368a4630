package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/iot-gateway/internal/account"
)

// TokenTypeBearer is the token_type reported by Login.
const TokenTypeBearer = "bearer"

// UserLookup finds accounts by email.
type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*account.User, error)
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	UserID      string `json:"user_id"`
}

// Service issues and checks credentials.
type Service struct {
	users    UserLookup
	secret   string
	tokenTTL time.Duration
	tickets  TicketStore
}

// NewService creates an auth service. A nil ticket store defaults to an
// in-memory one.
func NewService(users UserLookup, secret string, tokenTTL time.Duration, tickets TicketStore) *Service {
	if tokenTTL <= 0 {
		tokenTTL = defaultAccessTokenTTL
	}
	if tickets == nil {
		tickets = NewMemoryTickets(defaultTicketTTL)
	}
	return &Service{users: users, secret: secret, tokenTTL: tokenTTL, tickets: tickets}
}

// Login checks email and password and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (*Token, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, account.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	signed, err := GenerateAccessToken(user.ID, s.secret, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken: signed,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int(s.tokenTTL.Seconds()),
		UserID:      user.ID,
	}, nil
}

// Authenticate validates a bearer token and returns its user id.
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := ParseToken(token, s.secret)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IssueTicket creates a single-use push ticket for userID.
func (s *Service) IssueTicket(ctx context.Context, userID string) (string, time.Duration, error) {
	ticket, err := s.tickets.Issue(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	return ticket, s.tickets.TTL(), nil
}

// Verify turns a push credential into a user id. JWTs (three dot-separated
// segments) are checked by signature; anything else is redeemed as a
// ticket.
func (s *Service) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrTokenInvalid
	}
	if strings.Count(credential, ".") == 2 {
		return s.Authenticate(credential)
	}
	return s.tickets.Redeem(ctx, credential)
}
