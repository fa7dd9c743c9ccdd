package taiga

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshSkew adelanta el refresh para no usar un token a punto de expirar.
const refreshSkew = time.Minute

// tokenExpiry lee el claim exp sin verificar la firma: la clave es del upstream.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
