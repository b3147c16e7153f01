package fleet

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Prompt is one pending authentication challenge awaiting a human-supplied
// token. At most one prompt exists per bot id.
type Prompt struct {
	BotID     string          `json:"botId"`
	BotName   string          `json:"botName"`
	Challenge json.RawMessage `json:"challenge"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PromptRelay bridges the asynchronous challenge event to the external
// caller who answers it. It is a side channel only; connection state lives
// on the Conn.
type PromptRelay struct {
	mu      sync.Mutex
	prompts map[string]Prompt
}

// NewPromptRelay creates an empty relay.
func NewPromptRelay() *PromptRelay {
	return &PromptRelay{prompts: make(map[string]Prompt)}
}

// Register stores the prompt, replacing any earlier one for the same bot.
func (r *PromptRelay) Register(p Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[p.BotID] = p
}

// Remove drops the prompt for the bot, if any.
func (r *PromptRelay) Remove(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prompts, botID)
}

// Get returns the pending prompt for the bot.
func (r *PromptRelay) Get(botID string) (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[botID]
	return p, ok
}

// List returns all pending prompts, oldest first.
func (r *PromptRelay) List() []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
