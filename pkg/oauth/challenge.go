package oauth

import (
	"regexp"
	"strings"
)

var challengeParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// BearerChallenge is a parsed RFC 6750 WWW-Authenticate challenge.
type BearerChallenge struct {
	Realm            string
	Scope            string
	Error            string
	ErrorDescription string
}

// ParseBearerChallenge parses a WWW-Authenticate header value. It returns
// nil when the header is empty or uses a scheme other than Bearer.
//
// Example header:
//
//	Bearer realm="catalog", error="invalid_token", error_description="Token expired"
func ParseBearerChallenge(header string) *BearerChallenge {
	scheme, params, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return nil
	}

	c := &BearerChallenge{}
	for _, match := range challengeParamPattern.FindAllStringSubmatch(params, -1) {
		switch strings.ToLower(match[1]) {
		case "realm":
			c.Realm = match[2]
		case "scope":
			c.Scope = match[2]
		case "error":
			c.Error = match[2]
		case "error_description":
			c.ErrorDescription = match[2]
		}
	}
	return c
}

// String renders the error part of the challenge for messages, e.g.
// "invalid_token (Token expired)".
func (c *BearerChallenge) String() string {
	if c == nil || c.Error == "" {
		return ""
	}
	if c.ErrorDescription == "" {
		return c.Error
	}
	return c.Error + " (" + c.ErrorDescription + ")"
}
