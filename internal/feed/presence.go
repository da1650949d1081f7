package feed

import (
	"sort"
	"sync"
	"time"
)

// Member is an actor currently connected to the feed.
type Member struct {
	ActorID     string    `json:"actor_id"`
	Connections int       `json:"connections"`
	Since       time.Time `json:"since"`
}

// Presence counts connections per actor so an actor with several open
// connections is listed once and leaves only when the last one closes.
type Presence struct {
	mu      sync.Mutex
	members map[string]*Member
	now     func() time.Time
}

func NewPresence() *Presence {
	return &Presence{members: map[string]*Member{}, now: time.Now}
}

func (p *Presence) Join(actorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[actorID]; ok {
		m.Connections++
		return
	}
	p.members[actorID] = &Member{ActorID: actorID, Connections: 1, Since: p.now().UTC()}
}

func (p *Presence) Leave(actorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[actorID]
	if !ok {
		return
	}
	m.Connections--
	if m.Connections <= 0 {
		delete(p.members, actorID)
	}
}

// List returns members sorted by actor id.
func (p *Presence) List() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}
