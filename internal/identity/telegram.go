package identity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var (
	ErrNoTelegramUser  = errors.New("telegram init data has no user")
	ErrInvalidInitData = errors.New("telegram init data signature mismatch")
)

// ParseTelegramInitData extracts user.id from a WebApp init-data query string. When botToken
// is set the hash field is verified first.
func ParseTelegramInitData(raw, botToken string) (string, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "#")
	raw = strings.TrimPrefix(raw, "tgWebAppData=")
	if decoded, err := url.QueryUnescape(raw); err == nil && !strings.Contains(raw, "&") && strings.Contains(decoded, "&") {
		raw = decoded
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "", fmt.Errorf("parse telegram init data: %w", err)
	}
	if botToken != "" && !validTelegramHash(values, botToken) {
		return "", ErrInvalidInitData
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return "", ErrNoTelegramUser
	}
	var user struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
		return "", fmt.Errorf("parse telegram user: %w", err)
	}
	id := strings.Trim(string(bytes.TrimSpace(user.ID)), `"`)
	if id == "" || id == "null" {
		return "", ErrNoTelegramUser
	}
	return id, nil
}

func validTelegramHash(values url.Values, botToken string) bool {
	want, err := hex.DecodeString(values.Get("hash"))
	if err != nil || len(want) == 0 {
		return false
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hmac.Equal(mac.Sum(nil), want)
}
