package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authSubjectKey = "auth_subject"

// JWTAuthMiddleware valida bearer tokens HS256 y guarda el subject en el contexto.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		var claims jwt.RegisteredClaims
		raw := strings.TrimSpace(header[len("Bearer "):])
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(authSubjectKey, claims.Subject)
		c.Next()
	}
}

// AuthSubject obtiene el subject del token desde el contexto.
func AuthSubject(c *gin.Context) (string, bool) {
	val, ok := c.Get(authSubjectKey)
	if !ok {
		return "", false
	}
	sub, ok := val.(string)
	return sub, ok
}
