// Package store owns the conversation and AI-target lists: CRUD, reorder,
// the active-set synchronization rule, and write-through persistence.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmux/omnichat/api/schemas"
)

// ErrActiveLimit is returned when activating a target would exceed the
// maximum number of simultaneously active targets.
var ErrActiveLimit = fmt.Errorf("at most %d targets may be active", schemas.MaxActiveTargets)

// ErrNotFound is returned for operations on unknown target or conversation
// ids.
var ErrNotFound = errors.New("not found")

// titleLimit caps auto-derived conversation titles.
const titleLimit = 40

// State is the persisted blob: both entity lists plus the id counters and
// the current conversation. It round-trips through plain JSON.
type State struct {
	Targets            []schemas.AITarget      `json:"targets"`
	Conversations      []*schemas.Conversation `json:"conversations"`
	CurrentID          int64                   `json:"current_id"`
	NextTargetID       int64                   `json:"next_target_id"`
	NextConversationID int64                   `json:"next_conversation_id"`
	NextMessageID      int64                   `json:"next_message_id"`
}

// Persister is the external storage collaborator. It treats State as an
// opaque record.
type Persister interface {
	Save(state State) error
	Load() (State, error)
}

// Store is the in-memory model with write-through persistence. All methods
// are safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	state     State
	switching bool

	persister Persister
	logger    *zap.Logger
}

// DefaultTargets is the built-in AI target list used on first run or when
// the persisted state is unreadable.
func DefaultTargets() []schemas.AITarget {
	return []schemas.AITarget{
		{ID: 1, Name: "ChatGPT", URL: "https://chatgpt.com/", Active: true, Order: 1},
		{ID: 2, Name: "Claude", URL: "https://claude.ai/new", Active: true, Order: 2},
		{ID: 3, Name: "Gemini", URL: "https://gemini.google.com/app", Active: true, Order: 3},
		{ID: 4, Name: "DeepSeek", URL: "https://chat.deepseek.com/"},
		{ID: 5, Name: "Grok", URL: "https://grok.com/"},
		{ID: 6, Name: "Perplexity", URL: "https://www.perplexity.ai/"},
	}
}

// New loads persisted state through the persister, falling back to built-in
// defaults when it is absent or malformed, and guarantees a current
// conversation exists.
func New(persister Persister, logger *zap.Logger) *Store {
	s := &Store{
		persister: persister,
		logger:    logger.Named("store"),
	}

	state, err := persister.Load()
	if err != nil {
		s.logger.Warn("Failed to load persisted state; using defaults", zap.Error(err))
		state = State{}
	}
	if len(state.Targets) == 0 {
		state.Targets = DefaultTargets()
		state.NextTargetID = int64(len(state.Targets)) + 1
	}
	if state.NextTargetID == 0 {
		state.NextTargetID = maxTargetID(state.Targets) + 1
	}
	if state.NextConversationID == 0 {
		state.NextConversationID = 1
	}
	if state.NextMessageID == 0 {
		state.NextMessageID = 1
	}
	s.state = state

	if s.findConversation(s.state.CurrentID) == nil {
		if len(s.state.Conversations) > 0 {
			s.state.CurrentID = s.state.Conversations[0].ID
		} else {
			s.newConversationLocked()
		}
	}
	s.persist()
	return s
}

func maxTargetID(targets []schemas.AITarget) int64 {
	var max int64
	for _, t := range targets {
		if t.ID > max {
			max = t.ID
		}
	}
	return max
}

// persist writes the full state through the persister. Failures are logged,
// never propagated: a missed write must not break the live model.
func (s *Store) persist() {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(s.state); err != nil {
		s.logger.Error("Write-through persistence failed", zap.Error(err))
	}
}

// -- AI targets --

// Targets returns a copy of the full target list.
func (s *Store) Targets() []schemas.AITarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.AITarget(nil), s.state.Targets...)
}

// ActiveTargets returns the active targets ordered by display rank.
func (s *Store) ActiveTargets() []schemas.AITarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTargetsLocked()
}

func (s *Store) activeTargetsLocked() []schemas.AITarget {
	var active []schemas.AITarget
	for _, t := range s.state.Targets {
		if t.Active {
			active = append(active, t)
		}
	}
	for i := 1; i < len(active); i++ {
		for j := i; j > 0 && active[j].Order < active[j-1].Order; j-- {
			active[j], active[j-1] = active[j-1], active[j]
		}
	}
	return active
}

// AddTarget creates a new, inactive target.
func (s *Store) AddTarget(name, url string) schemas.AITarget {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := schemas.AITarget{ID: s.state.NextTargetID, Name: name, URL: url}
	s.state.NextTargetID++
	s.state.Targets = append(s.state.Targets, t)
	s.persist()
	return t
}

// RenameTarget changes a target's display name. The id stays stable, so
// conversation references survive renames.
func (s *Store) RenameTarget(id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findTarget(id)
	if t == nil {
		return fmt.Errorf("target %d: %w", id, ErrNotFound)
	}
	t.Name = name
	s.persist()
	return nil
}

// DeleteTarget removes a target from the live list. Conversations that
// recorded the id keep the now-dangling reference; it is ignored on switch.
func (s *Store) DeleteTarget(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.state.Targets {
		if s.state.Targets[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("target %d: %w", id, ErrNotFound)
	}
	wasActive := s.state.Targets[idx].Active
	s.state.Targets = append(s.state.Targets[:idx], s.state.Targets[idx+1:]...)
	if wasActive {
		s.compactOrdersLocked()
		s.syncActiveSetLocked()
	}
	s.persist()
	return nil
}

// SetTargetActive flips a target's active flag. Activation beyond the limit
// fails with ErrActiveLimit and leaves all state unchanged. The current
// conversation's recorded active set follows the change unless a switch is
// in progress.
func (s *Store) SetTargetActive(id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findTarget(id)
	if t == nil {
		return fmt.Errorf("target %d: %w", id, ErrNotFound)
	}
	if t.Active == active {
		return nil
	}

	if active {
		if len(s.activeTargetsLocked()) >= schemas.MaxActiveTargets {
			return ErrActiveLimit
		}
		t.Active = true
		t.Order = len(s.activeTargetsLocked())
	} else {
		t.Active = false
		t.Order = 0
		s.compactOrdersLocked()
	}

	s.syncActiveSetLocked()
	s.persist()
	return nil
}

// SwapOrder exchanges the display ranks of two active targets.
func (s *Store) SwapOrder(idA, idB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, b := s.findTarget(idA), s.findTarget(idB)
	if a == nil || b == nil {
		return fmt.Errorf("target pair (%d, %d): %w", idA, idB, ErrNotFound)
	}
	if !a.Active || !b.Active {
		return fmt.Errorf("both targets must be active to swap order")
	}
	a.Order, b.Order = b.Order, a.Order
	s.syncActiveSetLocked()
	s.persist()
	return nil
}

// compactOrdersLocked renumbers active targets to a dense 1..n rank,
// preserving relative order.
func (s *Store) compactOrdersLocked() {
	active := s.activeTargetsLocked()
	for rank, t := range active {
		if tt := s.findTarget(t.ID); tt != nil {
			tt.Order = rank + 1
		}
	}
}

func (s *Store) findTarget(id int64) *schemas.AITarget {
	for i := range s.state.Targets {
		if s.state.Targets[i].ID == id {
			return &s.state.Targets[i]
		}
	}
	return nil
}

// -- Conversations --

// Conversations returns clones of all conversations, pinned first.
func (s *Store) Conversations() []*schemas.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*schemas.Conversation, 0, len(s.state.Conversations))
	for _, c := range s.state.Conversations {
		out = append(out, c.Clone())
	}
	schemas.SortConversations(out)
	return out
}

// Current returns a clone of the current conversation.
func (s *Store) Current() *schemas.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findConversation(s.state.CurrentID); c != nil {
		return c.Clone()
	}
	return nil
}

// CurrentID returns the current conversation's id.
func (s *Store) CurrentID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentID
}

// Get returns a clone of the conversation with the given id.
func (s *Store) Get(id int64) (*schemas.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findConversation(id)
	if c == nil {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

// NewConversation creates a conversation capturing the currently active
// target set and makes it current.
func (s *Store) NewConversation() *schemas.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.newConversationLocked()
	s.persist()
	return c.Clone()
}

func (s *Store) newConversationLocked() *schemas.Conversation {
	var activeIDs []int64
	for _, t := range s.activeTargetsLocked() {
		activeIDs = append(activeIDs, t.ID)
	}
	c := &schemas.Conversation{
		ID:              s.state.NextConversationID,
		Title:           "New Chat",
		CreatedAt:       time.Now(),
		ActiveTargetIDs: activeIDs,
		URLs:            make(map[int64]string),
	}
	s.state.NextConversationID++
	s.state.Conversations = append(s.state.Conversations, c)
	s.state.CurrentID = c.ID
	return c
}

// SetCurrent marks the conversation as current. The reconciler drives the
// rest of the switch.
func (s *Store) SetCurrent(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findConversation(id) == nil {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	s.state.CurrentID = id
	s.persist()
	return nil
}

// DeleteConversation removes a conversation. When the current one is
// deleted, another becomes current, or a fresh one is created if none
// remain.
func (s *Store) DeleteConversation(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.state.Conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	s.state.Conversations = append(s.state.Conversations[:idx], s.state.Conversations[idx+1:]...)

	if s.state.CurrentID == id {
		if len(s.state.Conversations) > 0 {
			sorted := make([]*schemas.Conversation, len(s.state.Conversations))
			copy(sorted, s.state.Conversations)
			schemas.SortConversations(sorted)
			s.state.CurrentID = sorted[0].ID
		} else {
			s.newConversationLocked()
		}
	}
	s.persist()
	return nil
}

// RenameConversation sets an explicit title; the auto-derivation stops.
func (s *Store) RenameConversation(id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findConversation(id)
	if c == nil {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	c.Title = title
	c.Renamed = true
	s.persist()
	return nil
}

// SetPinned pins or unpins a conversation.
func (s *Store) SetPinned(id int64, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findConversation(id)
	if c == nil {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	c.Pinned = pinned
	s.persist()
	return nil
}

// AppendMessage records a sent message on the conversation. The first
// message titles the conversation until the user renames it.
func (s *Store) AppendMessage(convID int64, text string) (schemas.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findConversation(convID)
	if c == nil {
		return schemas.Message{}, fmt.Errorf("conversation %d: %w", convID, ErrNotFound)
	}

	msg := schemas.Message{ID: s.state.NextMessageID, Text: text, Timestamp: time.Now()}
	s.state.NextMessageID++

	if len(c.Messages) == 0 && !c.Renamed {
		c.Title = deriveTitle(text)
	}
	c.Messages = append(c.Messages, msg)
	s.persist()
	return msg, nil
}

func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "…"
	}
	return text
}

// SetURLs merges captured session URLs into the conversation, addressed by
// id so a late capture still lands after the user switched away. Empty
// mappings leave the conversation untouched. An unknown id is ignored (the
// conversation may have been deleted while the capture timer ran).
func (s *Store) SetURLs(convID int64, urls map[int64]string) {
	if len(urls) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findConversation(convID)
	if c == nil {
		s.logger.Debug("Captured URLs for a missing conversation; dropped",
			zap.Int64("conversation_id", convID))
		return
	}
	if c.URLs == nil {
		c.URLs = make(map[int64]string, len(urls))
	}
	for id, u := range urls {
		c.URLs[id] = u
	}
	s.persist()
}

// RestoreActiveSet applies a conversation's recorded active set to the
// target list: recorded targets become active in recorded order, all others
// inactive. Dangling ids are skipped. An empty recorded set is a no-op.
// Callers hold the switching flag so this does not feed back into the
// recorded set itself.
func (s *Store) RestoreActiveSet(conv *schemas.Conversation) {
	if conv == nil || len(conv.ActiveTargetIDs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded := make(map[int64]int, len(conv.ActiveTargetIDs))
	rank := 1
	for _, id := range conv.ActiveTargetIDs {
		if s.findTarget(id) == nil {
			continue // dangling reference, tolerated
		}
		if _, dup := recorded[id]; dup {
			continue
		}
		if rank > schemas.MaxActiveTargets {
			break
		}
		recorded[id] = rank
		rank++
	}

	for i := range s.state.Targets {
		t := &s.state.Targets[i]
		if r, ok := recorded[t.ID]; ok {
			t.Active = true
			t.Order = r
		} else {
			t.Active = false
			t.Order = 0
		}
	}
	s.persist()
}

func (s *Store) findConversation(id int64) *schemas.Conversation {
	for _, c := range s.state.Conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// -- Switching flag --

// SetSwitching marks a conversation switch as in progress, suppressing the
// active-set synchronization rule.
func (s *Store) SetSwitching(v bool) {
	s.mu.Lock()
	s.switching = v
	s.mu.Unlock()
}

// Switching reports whether a conversation switch is in progress.
func (s *Store) Switching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switching
}

// syncActiveSetLocked overwrites the current conversation's recorded active
// set with the live active target ids, unless a switch is in progress.
func (s *Store) syncActiveSetLocked() {
	if s.switching {
		return
	}
	c := s.findConversation(s.state.CurrentID)
	if c == nil {
		return
	}
	var ids []int64
	for _, t := range s.activeTargetsLocked() {
		ids = append(ids, t.ID)
	}
	c.ActiveTargetIDs = ids
}
