package groups

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// Roster actions published on the bus.
const (
	ActionReplaced    = "replaced"
	ActionJoined      = "joined"
	ActionLeft        = "left"
	ActionRoleUpdated = "roleUpdated"
)

// Roster is the session-scoped view of the groups the user belongs to and
// their member lists.
type Roster struct {
	mu        sync.RWMutex
	groups    map[string]*domain.Group
	publisher pubsub.Publisher
	logger    *slog.Logger
}

// Option is a function that configures a Roster.
type Option func(*Roster)

// WithPublisher announces roster changes on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(r *Roster) {
		r.publisher = p
	}
}

// WithLogger sets the logger used by the roster.
func WithLogger(l *slog.Logger) Option {
	return func(r *Roster) {
		r.logger = l.With("component", "groups")
	}
}

// NewRoster creates an empty roster.
func NewRoster(opts ...Option) *Roster {
	r := &Roster{
		groups:    make(map[string]*domain.Group),
		publisher: pubsub.Discard,
		logger:    slog.Default().With("component", "groups"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replace installs the group list fetched from the REST API.
func (r *Roster) Replace(groups []domain.Group) {
	r.mu.Lock()
	r.groups = make(map[string]*domain.Group, len(groups))
	for _, g := range groups {
		g := cloneGroup(g)
		r.groups[g.ID] = &g
	}
	r.mu.Unlock()

	r.publish(pubsub.GroupChanged{Action: ActionReplaced})
}

// Join adds userID to groupID as a member. Joining twice changes nothing.
func (r *Roster) Join(groupID, userID string) bool {
	r.mu.Lock()
	g := r.ensureLocked(groupID)
	if slices.ContainsFunc(g.Members, func(m domain.GroupMember) bool { return m.UserID == userID }) {
		r.mu.Unlock()
		return false
	}
	g.Members = append(g.Members, domain.GroupMember{UserID: userID, Role: domain.RoleMember})
	r.mu.Unlock()

	r.logger.Debug("Group member joined", "group_id", groupID, "user_id", userID)
	r.publish(pubsub.GroupChanged{Action: ActionJoined, GroupID: groupID, UserID: userID, Role: string(domain.RoleMember)})
	return true
}

// Leave removes userID from groupID.
func (r *Roster) Leave(groupID, userID string) bool {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	before := len(g.Members)
	g.Members = slices.DeleteFunc(g.Members, func(m domain.GroupMember) bool { return m.UserID == userID })
	changed := len(g.Members) != before
	r.mu.Unlock()

	if changed {
		r.logger.Debug("Group member left", "group_id", groupID, "user_id", userID)
		r.publish(pubsub.GroupChanged{Action: ActionLeft, GroupID: groupID, UserID: userID})
	}
	return changed
}

// UpdateRole changes the role of an existing member.
func (r *Roster) UpdateRole(groupID, userID string, role domain.GroupRole) error {
	switch role {
	case domain.RoleAdmin, domain.RoleModerator, domain.RoleMember:
	default:
		return fmt.Errorf("unknown group role %q", role)
	}

	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("group %s: %w", groupID, domain.ErrNotFound)
	}
	i := slices.IndexFunc(g.Members, func(m domain.GroupMember) bool { return m.UserID == userID })
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("member %s of group %s: %w", userID, groupID, domain.ErrNotFound)
	}
	g.Members[i].Role = role
	r.mu.Unlock()

	r.publish(pubsub.GroupChanged{Action: ActionRoleUpdated, GroupID: groupID, UserID: userID, Role: string(role)})
	return nil
}

// Get returns a copy of the group.
func (r *Roster) Get(groupID string) (domain.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return domain.Group{}, false
	}
	return cloneGroup(*g), true
}

// List returns every known group ordered by name.
func (r *Roster) List() []domain.Group {
	r.mu.RLock()
	out := make([]domain.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, cloneGroup(*g))
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Group) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// RoleOf returns the role userID holds in groupID.
func (r *Roster) RoleOf(groupID, userID string) (domain.GroupRole, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return "", false
	}
	for _, m := range g.Members {
		if m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}

// Reset drops every group.
func (r *Roster) Reset() {
	r.mu.Lock()
	r.groups = make(map[string]*domain.Group)
	r.mu.Unlock()
}

// ensureLocked returns the group, creating a placeholder for a group that was
// announced before the REST list arrived.
func (r *Roster) ensureLocked(groupID string) *domain.Group {
	g, ok := r.groups[groupID]
	if !ok {
		g = &domain.Group{ID: groupID}
		r.groups[groupID] = g
	}
	return g
}

func (r *Roster) publish(change pubsub.GroupChanged) {
	if err := pubsub.Publish(context.Background(), r.publisher, pubsub.TopicGroupsUpdated, "", change); err != nil {
		r.logger.Error("Failed to publish group update", "error", err)
	}
}

func cloneGroup(g domain.Group) domain.Group {
	g.Members = slices.Clone(g.Members)
	return g
}
