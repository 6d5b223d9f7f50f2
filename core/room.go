package core

// Room represents a chat room. Rooms are created at process start from
// configuration; the member count is not stored here because it is derived
// from the live sessions in the room (see SessionRegistry.RoomMembers).
type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
}

// RoomRegistry is a static catalog of the rooms known to the server.
// It is immutable after construction and therefore safe for concurrent use.
type RoomRegistry struct {
	rooms map[string]Room
	order []string
}

func NewRoomRegistry(rooms []Room) *RoomRegistry {
	r := &RoomRegistry{
		rooms: make(map[string]Room, len(rooms)),
		order: make([]string, 0, len(rooms)),
	}
	for _, room := range rooms {
		if _, ok := r.rooms[room.ID]; ok {
			continue
		}
		r.rooms[room.ID] = room
		r.order = append(r.order, room.ID)
	}
	return r
}

// Get returns the room with the given ID.
// If the room is not found, it returns ErrUnknownRoom.
func (r *RoomRegistry) Get(roomID string) (Room, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		return Room{}, ErrUnknownRoom
	}
	return room, nil
}

func (r *RoomRegistry) Exists(roomID string) bool {
	_, ok := r.rooms[roomID]
	return ok
}

// List returns the rooms in their configured order.
func (r *RoomRegistry) List() []Room {
	rooms := make([]Room, 0, len(r.order))
	for _, id := range r.order {
		rooms = append(rooms, r.rooms[id])
	}
	return rooms
}
