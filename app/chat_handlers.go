package talk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/livepulse/talk/core"
	"github.com/livepulse/talk/pkg/router"
)

// ChatHandler serves the read-only REST views of the chat state: the room
// catalog with live member counts, paged message history and the member list
// with profiles and presence. All writes go through the websocket event
// channel.
type ChatHandler struct {
	rooms    *core.RoomRegistry
	sessions *core.SessionRegistry
	messages *core.MessageStore
	presence *core.PresenceTracker
	users    core.UserStore
}

func NewChatHandler(rooms *core.RoomRegistry, sessions *core.SessionRegistry, messages *core.MessageStore, presence *core.PresenceTracker, users core.UserStore) *ChatHandler {
	return &ChatHandler{rooms: rooms, sessions: sessions, messages: messages, presence: presence, users: users}
}

type RoomView struct {
	core.Room
	MemberCount int `json:"member_count"`
}

func (h *ChatHandler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	rooms := h.rooms.List()
	views := make([]RoomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, RoomView{
			Room:        room,
			MemberCount: h.sessions.MemberCount(room.ID),
		})
	}
	json.NewEncoder(w).Encode(views)
	return nil
}

func (h *ChatHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) error {
	room, err := h.rooms.Get(r.PathValue("roomID"))
	if err != nil {
		if errors.Is(err, core.ErrUnknownRoom) {
			return router.NewJsonError(http.StatusNotFound, err.Error())
		}
		return err
	}
	json.NewEncoder(w).Encode(RoomView{Room: room, MemberCount: h.sessions.MemberCount(room.ID)})
	return nil
}

// GetRoomMessagesHandler pages through a room's history, newest first.
// Query params: before (sequence cursor), limit.
func (h *ChatHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := r.PathValue("roomID")
	if !h.rooms.Exists(roomID) {
		return router.NewJsonError(http.StatusNotFound, core.ErrUnknownRoom.Error())
	}

	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages := h.messages.History(roomID, before, limit)
	if messages == nil {
		messages = []core.Message{}
	}
	json.NewEncoder(w).Encode(messages)
	return nil
}

type MemberView struct {
	Username   string     `json:"username"`
	Name       string     `json:"name"`
	Avatar     string     `json:"avatar"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// GetRoomMembersHandler returns the users currently in a room with their
// profile and presence, for the member list panel.
func (h *ChatHandler) GetRoomMembersHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := r.PathValue("roomID")
	if !h.rooms.Exists(roomID) {
		return router.NewJsonError(http.StatusNotFound, core.ErrUnknownRoom.Error())
	}

	members := h.sessions.RoomMembers(roomID)
	profiles, err := h.users.GetUsersByUsernames(r.Context(), members...)
	if err != nil {
		return fmt.Errorf("get users by usernames: %w", err)
	}
	byUsername := make(map[string]core.UserProfile, len(profiles))
	for _, profile := range profiles {
		byUsername[profile.Username] = profile
	}

	views := make([]MemberView, 0, len(members))
	for _, username := range members {
		status := h.presence.Status(username)
		view := MemberView{Username: username, Online: status.Online}
		if profile, ok := byUsername[username]; ok {
			view.Name = profile.Name
			view.Avatar = profile.Avatar
		}
		if !status.Online && !status.LastSeenAt.IsZero() {
			at := status.LastSeenAt
			view.LastSeenAt = &at
		}
		views = append(views, view)
	}
	json.NewEncoder(w).Encode(views)
	return nil
}
