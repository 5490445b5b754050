package privilege

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cowrite/cowrite/internal/fserr"
)

// Claims is the payload of a handshake token. An empty Privilege means the
// store decides.
type Claims struct {
	Username  string `json:"username"`
	Privilege string `json:"privilege,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 handshake tokens. A Verifier with an empty secret
// accepts every handshake without a token.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Issue signs a token for username valid for ttl.
func (v *Verifier) Issue(username string, level Level, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if level != 0 {
		claims.Privilege = level.String()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates tokenStr for username. It returns the privilege carried by
// the token, or zero when the token does not carry one.
func (v *Verifier) Verify(tokenStr, username string) (Level, error) {
	if !v.Enabled() {
		return 0, nil
	}
	if tokenStr == "" {
		return 0, fserr.E("verify_token", username, fserr.Unauthorized, "missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, fserr.Wrap("verify_token", username, fserr.Unauthorized, err)
	}
	if !token.Valid {
		return 0, fserr.E("verify_token", username, fserr.Unauthorized, "invalid token")
	}
	if claims.Username != username {
		return 0, fserr.E("verify_token", username, fserr.Unauthorized, "token issued for another user")
	}
	if claims.Privilege == "" {
		return 0, nil
	}
	l, err := ParseLevel(claims.Privilege)
	if err != nil {
		return 0, fserr.Wrap("verify_token", username, fserr.Unauthorized, err)
	}
	return l, nil
}
