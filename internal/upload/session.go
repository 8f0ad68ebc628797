package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	tokenBytes     = 8
	SessionCookie  = "session_id"
	PasswordHeader = "X-OTA-Password"
)

// Session correlates the file transfers of one run with its progress channel.
type Session struct {
	Token      string
	Host       string
	Credential string
}

func NewSession(host, credential string) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:      token,
		Host:       strings.TrimSpace(host),
		Credential: credential,
	}, nil
}

// Cookie is the header value carrying the session token.
func (s Session) Cookie() string {
	return SessionCookie + "=" + s.Token
}

func newToken() (string, error) {
	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}

	return hex.EncodeToString(raw[:]), nil
}
