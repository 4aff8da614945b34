package session

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PageToken is the keyset cursor used when paging events: the (date, id) of
// the last event returned.
type PageToken struct {
	Date time.Time
	ID   uint64
}

func (p PageToken) Encode() string {
	raw := strconv.FormatInt(p.Date.UnixNano(), 10) + ":" + strconv.FormatUint(p.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodePageToken parses a token produced by Encode. The empty string decodes
// to nil, meaning "first page".
func DecodePageToken(token string) (*PageToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, NewError(CodeValidation, "page_token.decode", "malformed page token", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, NewError(CodeValidation, "page_token.decode", fmt.Sprintf("malformed page token %q", token), nil)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, NewError(CodeValidation, "page_token.decode", "malformed page token date", err)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, NewError(CodeValidation, "page_token.decode", "malformed page token id", err)
	}
	return &PageToken{Date: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// After reports whether an event sorts strictly after the cursor.
func (p *PageToken) After(date time.Time, id uint64) bool {
	if p == nil {
		return true
	}
	if date.Equal(p.Date) {
		return id > p.ID
	}
	return date.After(p.Date)
}
