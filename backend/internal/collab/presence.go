package collab

import (
	"sort"
	"time"
)

// member is one user's presence in a document. A user may hold several
// joined connections (tabs); the entry goes away with the last one.
type member struct {
	user  User
	conns map[string]struct{}
}

type presence struct {
	members map[string]*member
}

func newPresence() *presence {
	return &presence{members: make(map[string]*member)}
}

// add records connID for user and reports whether the user was not present
// before.
func (p *presence) add(connID string, u User) bool {
	if m, ok := p.members[u.ID]; ok {
		m.conns[connID] = struct{}{}
		// permission may have changed since the first connection joined
		m.user.Permission = u.Permission
		m.user.LastActivity = u.LastActivity
		m.user.Online = true
		return false
	}
	p.members[u.ID] = &member{user: u, conns: map[string]struct{}{connID: {}}}
	return true
}

// remove drops connID and reports whether the user is now gone.
func (p *presence) remove(connID, userID string) bool {
	m, ok := p.members[userID]
	if !ok {
		return false
	}
	delete(m.conns, connID)
	if len(m.conns) > 0 {
		return false
	}
	delete(p.members, userID)
	return true
}

func (p *presence) get(userID string) (*member, bool) {
	m, ok := p.members[userID]
	return m, ok
}

func (p *presence) len() int { return len(p.members) }

// list returns copies ordered by user id.
func (p *presence) list() []User {
	out := make([]User, 0, len(p.members))
	for _, m := range p.members {
		u := m.user
		if u.Cursor != nil {
			c := *u.Cursor
			u.Cursor = &c
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// idleConns returns the connections of every user whose last activity is
// older than threshold.
func (p *presence) idleConns(now time.Time, threshold time.Duration) []string {
	var out []string
	for _, m := range p.members {
		if now.Sub(m.user.LastActivity) <= threshold {
			continue
		}
		for c := range m.conns {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
