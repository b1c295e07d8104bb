package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// TokenType is the scheme placed in front of the token in the
// Authorization header.
type TokenType string

const (
	TokenTypeBot    TokenType = "Bot"
	TokenTypeBearer TokenType = "Bearer"
)

var ErrEmptyToken = errors.New("auth: token cannot be empty")

// ParseTokenType accepts "bot" or "bearer" in any case. An empty string
// means Bot.
func ParseTokenType(s string) (TokenType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bot":
		return TokenTypeBot, nil
	case "bearer":
		return TokenTypeBearer, nil
	default:
		return "", fmt.Errorf("auth: unknown token type %q", s)
	}
}

// Ticket is the credential a bot is constructed with. It is a value type
// with unexported fields, so once built it cannot be changed.
type Ticket struct {
	clientID  string
	token     string
	tokenType TokenType
}

func NewTicket(clientID, token string, tokenType TokenType) (Ticket, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Ticket{}, ErrEmptyToken
	}
	if tokenType == "" {
		tokenType = TokenTypeBot
	}
	return Ticket{clientID: clientID, token: token, tokenType: tokenType}, nil
}

func (t Ticket) ClientID() string     { return t.clientID }
func (t Ticket) Token() string        { return t.token }
func (t Ticket) TokenType() TokenType { return t.tokenType }

// AuthorizationHeader returns the header value, e.g. "Bot 1/MTA=/abc".
func (t Ticket) AuthorizationHeader() string {
	return string(t.tokenType) + " " + t.token
}

// TokenSource exposes the ticket as a never-expiring oauth2 token so the
// standard oauth2.Transport can stamp requests with it.
func (t Ticket) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: t.token,
		TokenType:   string(t.tokenType),
	})
}

// Transport wraps base (http.DefaultTransport when nil) so every request
// carries the ticket's Authorization header.
func (t Ticket) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &oauth2.Transport{Source: t.TokenSource(), Base: base}
}

// String never prints the token.
func (t Ticket) String() string {
	return fmt.Sprintf("Ticket{client_id=%s, type=%s}", t.clientID, t.tokenType)
}
