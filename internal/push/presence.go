package push

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

// Participant is one other connected user in the active production's room.
// Entries are ephemeral: fully rebuilt from each presence broadcast and
// never persisted.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"userName"`
	Color       string    `json:"color"`
	Initials    string    `json:"initials"`
	LastSeen    time.Time `json:"lastSeen"`
}

// participantColors is shared by all clients: the same user id hashes to the
// same color everywhere without coordination.
var participantColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#bcf60c", "#fabebe", "#008080", "#e6beff",
}

// Bus is the slice of the transport manager the tracker uses.
type Bus interface {
	Emit(event string, payload any)
	Subscribe(event string, handler func(payload json.RawMessage)) func()
}

type presenceUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type joinPayload struct {
	ProductionID string `json:"productionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

type leavePayload struct {
	ProductionID string `json:"productionId"`
	UserID       string `json:"userId"`
}

// RoomTracker mirrors room membership onto the currently active production:
// one join per activation, one leave per deactivation, guarded so repeated
// activations for the same id do not re-emit.
type RoomTracker struct {
	bus      Bus
	userID   string
	userName string
	logger   Logger

	mu           sync.Mutex
	activeID     string
	participants map[string]Participant
	onChange     func([]Participant)
	unsub        func()
}

func NewRoomTracker(bus Bus, userID, userName string, logger Logger) *RoomTracker {
	t := &RoomTracker{
		bus:          bus,
		userID:       userID,
		userName:     userName,
		logger:       logger,
		participants: map[string]Participant{},
	}
	t.unsub = bus.Subscribe("presence:update", t.handlePresence)
	return t
}

// OnChange registers a single callback invoked with the rebuilt participant
// list after each presence broadcast.
func (t *RoomTracker) OnChange(fn func([]Participant)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Activate joins the room for the given production id. Activating the id
// that is already active is a no-op; a different id leaves the old room
// first.
func (t *RoomTracker) Activate(productionID string) {
	if productionID == "" {
		return
	}
	t.mu.Lock()
	if t.activeID == productionID {
		t.mu.Unlock()
		return
	}
	previous := t.activeID
	t.activeID = productionID
	t.participants = map[string]Participant{}
	t.mu.Unlock()

	if previous != "" {
		t.bus.Emit("production:leave", leavePayload{ProductionID: previous, UserID: t.userID})
	}
	t.bus.Emit("production:join", joinPayload{ProductionID: productionID, UserID: t.userID, UserName: t.userName})
}

// Deactivate leaves the active room, if any, and discards presence state.
func (t *RoomTracker) Deactivate() {
	t.mu.Lock()
	previous := t.activeID
	t.activeID = ""
	t.participants = map[string]Participant{}
	t.mu.Unlock()
	if previous != "" {
		t.bus.Emit("production:leave", leavePayload{ProductionID: previous, UserID: t.userID})
	}
}

// Close detaches the tracker from the bus and leaves the active room.
func (t *RoomTracker) Close() {
	t.Deactivate()
	if t.unsub != nil {
		t.unsub()
	}
}

// Participants returns the other connected users, sorted by user id.
func (t *RoomTracker) Participants() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *RoomTracker) handlePresence(payload json.RawMessage) {
	var users []presenceUser
	if err := json.Unmarshal(payload, &users); err != nil {
		if t.logger != nil {
			t.logger.Printf("decode presence:update: %v", err)
		}
		return
	}
	now := time.Now().UTC()
	rebuilt := make(map[string]Participant, len(users))
	for _, user := range users {
		if user.UserID == "" || user.UserID == t.userID {
			continue
		}
		rebuilt[user.UserID] = Participant{
			UserID:      user.UserID,
			DisplayName: user.UserName,
			Color:       DeriveColor(user.UserID),
			Initials:    DeriveInitials(user.UserName, user.UserID),
			LastSeen:    now,
		}
	}
	t.mu.Lock()
	t.participants = rebuilt
	onChange := t.onChange
	t.mu.Unlock()
	if onChange != nil {
		onChange(t.Participants())
	}
}

// DeriveColor maps a user id onto the shared palette deterministically.
func DeriveColor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return participantColors[hasher.Sum32()%uint32(len(participantColors))]
}

// DeriveInitials builds up to two uppercase initials from the display name,
// falling back to the user id when the name is empty.
func DeriveInitials(displayName, userID string) string {
	words := strings.Fields(displayName)
	var initials []rune
	for _, word := range words {
		initials = append(initials, []rune(strings.ToUpper(word))[0])
		if len(initials) == 2 {
			break
		}
	}
	if len(initials) > 0 {
		return string(initials)
	}
	trimmed := []rune(strings.ToUpper(strings.TrimSpace(userID)))
	if len(trimmed) >= 2 {
		return string(trimmed[:2])
	}
	return string(trimmed)
}
