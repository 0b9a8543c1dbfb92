package server

import (
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

// The browse UI authenticates with the platform-issued init-data blob:
// a query-string of fields plus a hash over the sorted "key=value" lines,
// keyed by HMAC("WebAppData", bot token).

var errInitDataInvalid = errors.New("server: init data invalid")

type initDataUser struct {
	ID           int64  `json:"id"`
	LanguageCode string `json:"language_code"`
}

// verifyInitData checks the blob's HMAC against the bot token and returns
// the embedded user.
func verifyInitData(raw, botToken string) (*initDataUser, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, errInitDataInvalid
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, errInitDataInvalid
	}
	values.Del("hash")

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	checkString := strings.Join(lines, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(checkString))
	wantHash := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(wantHash), []byte(gotHash)) {
		return nil, errInitDataInvalid
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return nil, errInitDataInvalid
	}
	var user initDataUser
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
		return nil, fmt.Errorf("%w: user field: %v", errInitDataInvalid, err)
	}
	if user.ID == 0 {
		return nil, errInitDataInvalid
	}
	return &user, nil
}
