package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the payload of a scoped guest access token. The token grants
// one purpose on one entity and nothing else.
type Claims struct {
	jwt.RegisteredClaims
	Purpose  string `json:"purpose"`
	EntityID string `json:"entity_id"`
	Mobile   string `json:"mobile"`
}
