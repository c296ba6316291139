package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "relayindex"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// scopeSet accepts either a JSON array of scopes or an OAuth-style
// space-delimited string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	out := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return err
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	*s = out
	return nil
}

// audience is either a single string or a list of strings.
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*a = audience{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

func (a audience) contains(want string) bool {
	for _, aud := range a {
		if aud == want {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	Subject  string   `json:"sub"`
	Scopes   scopeSet `json:"scopes"`
	Exp      int64    `json:"exp"`
	Audience audience `json:"aud"`
}

// authorizeBearer checks an HS256 bearer token. An empty requiredScope
// accepts any valid token.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, authErr := verifyToken(authHeader, []byte(jwtSecret), now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	if requiredScope == "" {
		return claims, nil
	}
	if _, ok := claims.Scopes[requiredScope]; !ok {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func verifyToken(authHeader string, secret []byte, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	header, payload, signature, ok := splitToken(strings.TrimSpace(raw))
	if !ok {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var head struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(header, &head); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if head.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(header))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var claims tokenClaims
	if err := decodeSegment(payload, &claims); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	switch {
	case claims.Subject == "":
		return tokenClaims{}, unauthorized("missing sub claim")
	case claims.Exp <= 0:
		return tokenClaims{}, unauthorized("invalid exp claim")
	case now.Unix() >= claims.Exp:
		return tokenClaims{}, unauthorized("token expired")
	case !claims.Audience.contains(tokenAudience):
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	return claims, nil
}

func splitToken(raw string) (header, payload, signature string, ok bool) {
	header, rest, ok := strings.Cut(raw, ".")
	if !ok {
		return "", "", "", false
	}
	payload, signature, ok = strings.Cut(rest, ".")
	if !ok || strings.Contains(signature, ".") {
		return "", "", "", false
	}
	return header, payload, signature, true
}

func decodeSegment(segment string, out any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(out)
}
