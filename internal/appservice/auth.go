package appservice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TokenEnv is the environment variable consulted first by ResolveToken.
const TokenEnv = "CALCJOB_APPSERVICE_TOKEN"

// TokenInfo contains parsed fields from a pipe-delimited service token.
type TokenInfo struct {
	Raw      string
	Username string
	Expiry   time.Time
}

// ParseToken extracts username and expiry from a pipe-delimited token.
// Format: un=<user>|tokenid=<uuid>|expiry=<unix>|...
// Returns a zero-value TokenInfo for empty or malformed tokens.
func ParseToken(raw string) TokenInfo {
	info := TokenInfo{Raw: strings.TrimSpace(raw)}
	for _, field := range strings.Split(info.Raw, "|") {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "un":
			info.Username = v
		case "expiry":
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.Expiry = time.Unix(ts, 0)
			}
		}
	}
	return info
}

// ExpiredAt reports whether the token had expired at now.
// A zero expiry (unparsed or absent) never expires.
func (t TokenInfo) ExpiredAt(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return now.After(t.Expiry)
}

// ResolveToken loads a token from the first available source:
//  1. the CALCJOB_APPSERVICE_TOKEN environment variable
//  2. ~/.calcjob/credentials.json ({"token":"..."})
//  3. ~/.calcjob/token
func ResolveToken() (string, error) {
	if tok := os.Getenv(TokenEnv); tok != "" {
		return strings.TrimSpace(tok), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}

	if tok, err := readCredentialsJSON(filepath.Join(home, ".calcjob", "credentials.json")); err == nil && tok != "" {
		return tok, nil
	}
	if tok, err := readTokenFile(filepath.Join(home, ".calcjob", "token")); err == nil && tok != "" {
		return tok, nil
	}

	return "", fmt.Errorf("no app service token found (set %s)", TokenEnv)
}

// readCredentialsJSON reads a token from a JSON file with shape {"token":"..."}.
func readCredentialsJSON(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var creds struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", err
	}
	return strings.TrimSpace(creds.Token), nil
}

// readTokenFile reads a plain-text token, trimming whitespace.
func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
