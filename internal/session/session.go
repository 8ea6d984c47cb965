// Package session defines how a transfer is addressed: the 4-digit code a
// sender publishes, the peer identity derived from it and the share URL a
// receiver can open.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
)

// IdentityPrefix namespaces sender identities on the signaling server.
const IdentityPrefix = "jalebi-"

const (
	minCode = 1000
	maxCode = 9999
)

// ErrInvalidCode is returned for anything that is not exactly four digits.
var ErrInvalidCode = errors.New("code must be 4 digits")

// Role is the side of a transfer a peer plays.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Session is one sender/receiver pairing addressed by Code.
type Session struct {
	Code string
	Role Role
}

// Identity returns the sender identity for s.Code.
func (s Session) Identity() string {
	return Identity(s.Code)
}

// NewCode returns a random code in 1000..9999.
func NewCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		// Fallback if rand fails (should be extremely rare)
		return strconv.Itoa(minCode)
	}
	return strconv.FormatInt(n.Int64()+minCode, 10)
}

// ValidCode reports whether code is exactly four ASCII digits.
func ValidCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Identity returns the identity a sender registers for code.
func Identity(code string) string {
	return IdentityPrefix + code
}

// ShareInfo is the display-only metadata carried by a share URL.
type ShareInfo struct {
	Code     string
	Filename string
	Size     int64
}

// ShareURL returns the receive link for info under base. Filename and size
// are omitted when empty.
func ShareURL(base string, info ShareInfo) (string, error) {
	if !ValidCode(info.Code) {
		return "", ErrInvalidCode
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path += "/receive/" + info.Code
	q := url.Values{}
	if info.Filename != "" {
		q.Set("filename", info.Filename)
	}
	if info.Size > 0 {
		q.Set("size", strconv.FormatInt(info.Size, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseShareTarget accepts a bare code or a share URL and returns the code
// with any display metadata the URL carried.
func ParseShareTarget(target string) (ShareInfo, error) {
	target = strings.TrimSpace(target)
	if ValidCode(target) {
		return ShareInfo{Code: target}, nil
	}

	u, err := url.Parse(target)
	if err != nil || u.Path == "" {
		return ShareInfo{}, fmt.Errorf("%w: %q", ErrInvalidCode, target)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-2] != "receive" {
		return ShareInfo{}, fmt.Errorf("not a receive link: %q", target)
	}
	code := segments[len(segments)-1]
	if !ValidCode(code) {
		return ShareInfo{}, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}

	info := ShareInfo{Code: code, Filename: u.Query().Get("filename")}
	if size, err := strconv.ParseInt(u.Query().Get("size"), 10, 64); err == nil && size > 0 {
		info.Size = size
	}
	return info, nil
}
