package relay

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// UserAuth is the authenticated identity resolved from the connection's jwt
// before the gateway processes any event beyond ping.
type UserAuth struct {
	UserId      Id
	DisplayName string
	Role        Role
}

type AuthVerifier struct {
	secret []byte
}

func NewAuthVerifier(secret []byte) *AuthVerifier {
	return &AuthVerifier{
		secret: secret,
	}
}

func (self *AuthVerifier) Verify(byJwt string) (*UserAuth, error) {
	token, err := gojwt.Parse(
		byJwt,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}
	return userAuthFromClaims(token.Claims.(gojwt.MapClaims))
}

// ParseUserAuthUnverified extracts the identity claims without verifying the
// signature. Used client-side to show who the session belongs to; never used
// for server-side authorization.
func ParseUserAuthUnverified(byJwt string) (*UserAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return userAuthFromClaims(token.Claims.(gojwt.MapClaims))
}

func userAuthFromClaims(claims gojwt.MapClaims) (*UserAuth, error) {
	userAuth := &UserAuth{
		Role: RoleMember,
	}

	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing user_id claim", ErrUnauthorized)
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad user_id claim", ErrUnauthorized)
	}
	userAuth.UserId = userId

	if displayName, ok := claims["display_name"].(string); ok {
		userAuth.DisplayName = displayName
	}
	if role, ok := claims["role"].(string); ok {
		userAuth.Role = Role(role)
	}

	return userAuth, nil
}

// SignUserAuth mints a jwt for the identity. The session service does this
// at login; tests and `relayctl token` use it directly.
func SignUserAuth(userAuth *UserAuth, secret []byte) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":      userAuth.UserId.String(),
		"display_name": userAuth.DisplayName,
		"role":         string(userAuth.Role),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
