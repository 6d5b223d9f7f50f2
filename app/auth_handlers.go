package talk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/livepulse/talk/core"
	"github.com/livepulse/talk/pkg/router"
)

type AuthHandler struct {
	store core.AuthStore
}

func NewAuthHandler(store core.AuthStore) *AuthHandler {
	return &AuthHandler{store: store}
}

// SigninHandler signs the user in, registering the identity on first use.
func (h *AuthHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var input core.SigninInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed body")
	}
	defer r.Body.Close()

	if err := input.Validate(); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}

	session, err := h.store.Signin(r.Context(), input)
	if err != nil {
		if errors.Is(err, core.ErrBadCredentials) {
			return router.NewJsonError(http.StatusUnauthorized, err.Error())
		}
		return err
	}

	http.SetCookie(w, core.AuthCookie(session, true, "/"))

	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func (h *AuthHandler) SignoutHandler(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusOK)
	return nil
}
