package chat

import (
	"context"
	"errors"

	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/pkg/protocol"
)

func (r *Router) createGroup(ctx context.Context, c *call, cmd *protocol.CreateGroup) (any, error) {
	members := store.UniqueIDs(append([]string{c.userID()}, cmd.MemberIDs...))
	for _, id := range members[1:] {
		if _, err := r.store.UserByID(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, clientError(protocol.MsgUserNotFound)
			}
			return nil, err
		}
	}

	g, err := r.store.CreateGroup(ctx, cmd.GroupName, c.userID(), cmd.MemberIDs)
	if err != nil {
		return nil, err
	}
	view := newGroupView(g, members, len(members))
	c.emit(members, protocol.EventGroupCreated, view)

	return struct {
		Group groupView `json:"group"`
	}{view}, nil
}

func (r *Router) listGroups(ctx context.Context, _ *call, _ *protocol.ListGroups) (any, error) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]groupView, len(groups))
	for i, g := range groups {
		views[i] = newGroupView(g.Group, nil, g.MemberCount)
	}
	return struct {
		Groups []groupView `json:"groups"`
	}{views}, nil
}

func (r *Router) loadGroup(ctx context.Context, groupID string) (store.Group, error) {
	g, err := r.store.Group(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Group{}, clientError(protocol.MsgGroupNotFound)
	}
	return g, err
}

// ownedGroup loads a group and checks, against the stored creator, that the
// caller owns it.
func (r *Router) ownedGroup(ctx context.Context, c *call, groupID, action string) (store.Group, error) {
	g, err := r.loadGroup(ctx, groupID)
	if err != nil {
		return store.Group{}, err
	}
	if g.CreatorID != c.userID() {
		return store.Group{}, clientError(protocol.OwnerOnly(action))
	}
	return g, nil
}

func (r *Router) addGroupMember(ctx context.Context, c *call, cmd *protocol.AddGroupMember) (any, error) {
	g, err := r.loadGroup(ctx, cmd.GroupID)
	if err != nil {
		return nil, err
	}
	added, err := r.store.AddParticipant(ctx, g.ChatID, cmd.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, clientError(protocol.MsgUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	if added {
		c.emit([]string{cmd.UserID}, protocol.EventGroupMemberAdded, groupEvent{
			GroupID:   g.ID,
			ChatID:    g.ChatID,
			GroupName: g.Name,
			UserID:    cmd.UserID,
			ActorID:   c.userID(),
		})
	}
	return okMessage("Member added"), nil
}

func (r *Router) removeGroupMember(ctx context.Context, c *call, cmd *protocol.RemoveGroupMember) (any, error) {
	g, err := r.ownedGroup(ctx, c, cmd.GroupID, "remove members")
	if err != nil {
		return nil, err
	}
	removed, err := r.store.RemoveParticipant(ctx, g.ChatID, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if removed {
		c.emit([]string{cmd.UserID}, protocol.EventGroupMemberRemoved, groupEvent{
			GroupID:   g.ID,
			ChatID:    g.ChatID,
			GroupName: g.Name,
			UserID:    cmd.UserID,
			ActorID:   c.userID(),
		})
	}
	return okMessage("Member removed"), nil
}

func (r *Router) updateGroupName(ctx context.Context, c *call, cmd *protocol.UpdateGroupName) (any, error) {
	g, err := r.ownedGroup(ctx, c, cmd.GroupID, "rename the group")
	if err != nil {
		return nil, err
	}
	if err := r.store.RenameGroup(ctx, g.ID, cmd.Name); err != nil {
		return nil, err
	}
	parts, err := r.store.Participants(ctx, g.ChatID)
	if err != nil {
		return nil, err
	}
	c.emit(participantIDs(parts), protocol.EventGroupNameUpdated, groupEvent{
		GroupID:   g.ID,
		ChatID:    g.ChatID,
		GroupName: cmd.Name,
		ActorID:   c.userID(),
	})
	return okMessage("Group renamed"), nil
}

func (r *Router) deleteGroup(ctx context.Context, c *call, cmd *protocol.DeleteGroup) (any, error) {
	g, err := r.ownedGroup(ctx, c, cmd.GroupID, "delete the group")
	if err != nil {
		return nil, err
	}
	// Recipients are captured before the rows disappear.
	parts, err := r.store.Participants(ctx, g.ChatID)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteGroup(ctx, g.ID); err != nil {
		return nil, err
	}
	c.emit(participantIDs(parts), protocol.EventGroupDeleted, groupEvent{
		GroupID:   g.ID,
		ChatID:    g.ChatID,
		GroupName: g.Name,
		ActorID:   c.userID(),
	})
	return okMessage("Group deleted"), nil
}
