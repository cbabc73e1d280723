package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/esb/pkg/types"
)

// PADMAUserAuthorizedHeader distinguishes a bad-api-key 401 (header absent)
// from a bad-credentials 401 (header present), per §6's auth table.
const PADMAUserAuthorizedHeader = "PADMA_USER_AUTHORIZED"

// AuthConfig is the narrow credential set the Gateway checks directly. The
// specification treats the authentication mechanism itself as an external
// collaborator (§1 Out of scope) — this is the minimal stand-in that
// satisfies §6's wire contract, not a full identity provider.
type AuthConfig struct {
	APIKey      string
	Username    string
	Password    string
	JWTSecret   []byte
	TokenIssuer string
	TokenTTL    time.Duration
}

// claims is the JWT payload issued by /user/auth/ver1.0 and checked on the
// invocation surface's Authorization header.
type claims struct {
	jwt.RegisteredClaims
}

type authRequestBody struct {
	AuthParameters struct {
		USERNAME string
		PASSWORD string
	}
}

type authResponseBody struct {
	AuthenticationResult struct {
		IdToken string
	}
}

// handleAuth implements POST /user/auth/ver1.0 (§6).
func (g *Gateway) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-api-key") != g.auth.APIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body authRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.Header().Set(PADMAUserAuthorizedHeader, "true")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if body.AuthParameters.USERNAME != g.auth.Username || body.AuthParameters.PASSWORD != g.auth.Password {
		w.Header().Set(PADMAUserAuthorizedHeader, "true")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	token, err := g.issueToken(body.AuthParameters.USERNAME)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var resp authResponseBody
	resp.AuthenticationResult.IdToken = token
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) issueToken(subject string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.auth.TokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.auth.TokenTTL)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return t.SignedString(g.auth.JWTSecret)
}

// authenticateBearer validates the Authorization header on the invocation
// surface: a well-formed, correctly-signed, unexpired bearer token. This is
// deliberately the full extent of the check (see AuthConfig's doc comment).
func (g *Gateway) authenticateBearer(r *http.Request) error {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return types.NewError(types.KindBadCredentials, nil)
	}
	tokenString := strings.TrimPrefix(header, prefix)

	_, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return g.auth.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return types.NewError(types.KindBadCredentials, err)
	}
	return nil
}
