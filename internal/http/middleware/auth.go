package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var errNoBearer = errors.New("missing bearer token")

// BearerAuth validates an HS256 JWT from the Authorization header and stores
// its subject under UserIDKey. An empty secret disables the check, leaving
// identity to the X-User-ID header. Skip lists routes served without a
// token.
func BearerAuth(secret string, skip ...string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	open := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		open[p] = struct{}{}
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	key := []byte(secret)

	return func(c *gin.Context) {
		if _, ok := open[c.FullPath()]; ok {
			c.Next()
			return
		}
		sub, err := bearerSubject(parser, key, c.GetHeader("Authorization"))
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("bearer rejected")
			c.Header("WWW-Authenticate", `Bearer realm="api"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "invalid or missing bearer token",
			})
			return
		}
		c.Set(UserIDKey, sub)
		c.Next()
	}
}

func bearerSubject(p *jwt.Parser, key []byte, header string) (string, error) {
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(raw) == "" {
		return "", errNoBearer
	}
	var claims jwt.RegisteredClaims
	if _, err := p.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
