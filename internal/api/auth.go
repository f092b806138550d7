package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

const tokenCookieKey = "token"

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by both login and register.
type LoginResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

type UserResponse struct {
	User types.User `json:"user"`
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (a *App) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := a.passwords.Hash(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	user, err := a.db.CreateUser(r.Context(), database.CreateUserParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		DisplayName:  displayName,
		PasswordHash: pwdHash,
		Role:         types.RoleMember,
	})
	if err != nil {
		errResp := errorFor(err)
		if errResp.StatusCode == http.StatusConflict {
			errResp.Message = "username or email already registered"
		}
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := a.tokens.Issue(user.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.log.Info("user registered", zap.Int64("user_id", user.Id), zap.String("request_id", RequestId(r.Context())))

	http.SetCookie(w, createJwtCookie(token, a.tokens.Expiry()))
	a.writeJson(w, http.StatusCreated, LoginResponse{Token: token, User: user})
}

func (a *App) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Username == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := a.db.GetUserByUsername(r.Context(), lr.Username)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !a.passwords.Match(user.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := a.tokens.Issue(user.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.log.Info("user logged in", zap.Int64("user_id", user.Id), zap.String("request_id", RequestId(r.Context())))

	http.SetCookie(w, createJwtCookie(token, a.tokens.Expiry()))
	a.writeJson(w, http.StatusOK, LoginResponse{Token: token, User: user})
}

// me returns the user the request's token belongs to.
func (a *App) me(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := a.db.GetUserById(r.Context(), userId)
	if err != nil {
		errResp := errorFor(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.writeJson(w, http.StatusOK, UserResponse{User: user})
}

func (a *App) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}
