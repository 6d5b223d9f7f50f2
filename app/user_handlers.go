package talk

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/livepulse/talk/core"
	"github.com/livepulse/talk/pkg/router"
)

type UserHandler struct {
	store core.UserStore
}

func NewUserHandler(store core.UserStore) *UserHandler {
	return &UserHandler{store: store}
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.AuthSessionFromRequest(r)
	user, err := h.store.GetUserByUsername(r.Context(), session.Username)
	if err != nil {
		return fmt.Errorf("get user by username: %w", err)
	}

	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	json.NewEncoder(w).Encode(user)
	return nil
}

func (h *UserHandler) GetUserByUsernameHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.store.GetUserByUsername(r.Context(), r.PathValue("username"))
	if err != nil {
		return err
	}

	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	json.NewEncoder(w).Encode(user)
	return nil
}
