package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var validAuthMethods = []string{jwt.SigningMethodHS256.Alg()}

func mintToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// checkJwt returns the token subject.
func checkJwt(secret []byte, tokv string) (string, error) {
	p := jwt.NewParser(jwt.WithValidMethods(validAuthMethods))
	tok, err := p.Parse(tokv, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse auth header JWT: %w", err)
	}

	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "", fmt.Errorf("auth JWT has no expiry")
	}

	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", err
	}

	return sub, nil
}

// requireAuth accepts "Authorization: Bearer <jwt>", or a token query
// parameter for websocket clients that cannot set headers.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		if len(s.authSecret) == 0 {
			return next(e)
		}

		tokv := e.QueryParam("token")
		if auth := e.Request().Header.Get("Authorization"); auth != "" {
			parts := strings.Split(auth, " ")
			if parts[0] != "Bearer" || len(parts) != 2 {
				return &echo.HTTPError{
					Code:    401,
					Message: "invalid auth header",
				}
			}
			tokv = parts[1]
		}

		if tokv == "" {
			return &echo.HTTPError{
				Code:    401,
				Message: "auth required",
			}
		}

		sub, err := checkJwt(s.authSecret, tokv)
		if err != nil {
			return &echo.HTTPError{
				Code:    401,
				Message: fmt.Sprintf("check jwt: %s", err),
			}
		}

		e.Set("subject", sub)
		return next(e)
	}
}
