package itemsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a bearer token and installs it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", &ValidationError{Fields: []string{"username", "password"}, Message: "credentials are required"}
	}
	status, data, err := c.doRequest(ctx, "login", http.MethodPost, loginPath, loginRequest{username, password}, nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", &UnauthorizedError{Message: responseMessage(data)}
	}
	if !isSuccess(status) {
		return "", statusError("login", status, data)
	}
	resp, err := decodeJSON[loginResponse]("login", data)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &ServerError{Op: "login", StatusCode: status, Message: "empty token"}
	}
	c.SetToken(resp.Token)
	c.logger.Info("logged in", "username", username)
	return resp.Token, nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
