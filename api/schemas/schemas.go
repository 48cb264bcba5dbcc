// Package schemas defines the shared data model: AI targets, conversations,
// message logs and dispatch outcomes, plus the surface handle contract the
// automation core requires from the host environment.
package schemas

import (
	"context"
	"sort"
	"time"
)

// MaxActiveTargets bounds how many AI targets may be active at once. Each
// active target owns one embedded browser surface, so the cap is also the
// surface budget.
const MaxActiveTargets = 6

// AITarget is one configured external chat service.
type AITarget struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
	// Order is a dense 1-based rank among active targets and 0 when inactive.
	Order int `json:"order"`
}

// Message is one locally authored message within a conversation.
type Message struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is one logical thread of cross-AI messaging.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`

	// Renamed marks that the user set the title explicitly; until then the
	// title tracks the first message.
	Renamed bool `json:"renamed"`

	// ActiveTargetIDs records which targets were active as of this
	// conversation. References are weak: dangling ids are tolerated and
	// ignored, never fatal.
	ActiveTargetIDs []int64 `json:"active_target_ids"`

	Messages []Message `json:"messages"`

	// URLs maps target id to the last captured session URL. At most one
	// entry per target; the latest capture wins.
	URLs map[int64]string `json:"urls"`
}

// Clone returns a deep copy so callers can hand conversations across
// goroutine boundaries without aliasing store-owned state.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.ActiveTargetIDs = append([]int64(nil), c.ActiveTargetIDs...)
	cp.Messages = append([]Message(nil), c.Messages...)
	if c.URLs != nil {
		cp.URLs = make(map[int64]string, len(c.URLs))
		for k, v := range c.URLs {
			cp.URLs[k] = v
		}
	}
	return &cp
}

// SortConversations orders pinned conversations before unpinned ones,
// newest-first within each group.
func SortConversations(list []*Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Pinned != list[j].Pinned {
			return list[i].Pinned
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// OutcomeStatus classifies a single per-target dispatch attempt.
type OutcomeStatus string

const (
	// OutcomeDelivered means the script ran and reported a truthy result.
	OutcomeDelivered OutcomeStatus = "delivered"
	// OutcomeFailed means the script ran but reported falsy, or execution
	// itself errored. Delivery is not confirmed for that target only.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeSkipped means the target had no registered surface handle.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome records the result of one target's dispatch attempt.
type Outcome struct {
	TargetID   int64         `json:"target_id"`
	TargetName string        `json:"target_name"`
	Status     OutcomeStatus `json:"status"`
	Err        string        `json:"error,omitempty"`
}

// Handle is the core's reference to one embedded browser surface. The host
// environment registers a Handle per mounted target and unregisters it on
// unmount.
type Handle interface {
	// ExecuteScript runs a script payload in the surface and reports the
	// boolean result the payload resolves to. A rejected execution is an
	// error; callers treat it as delivery-not-confirmed, never fatal.
	ExecuteScript(ctx context.Context, script string) (bool, error)

	// CurrentURL is a synchronous read of the surface's navigated location.
	CurrentURL() string

	// Navigate loads the given URL in the surface.
	Navigate(ctx context.Context, url string) error
}
