package accounts

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// GroupNode is an account group with its nested groups ordered by position.
type GroupNode struct {
	Group    accounting.AccountGroup
	Children []*GroupNode
}

// CreateGroupInput describes a new account group.
type CreateGroupInput struct {
	CompanyID int64  `validate:"required"`
	Name      string `validate:"required,max=128"`
	ParentID  *int64
	Position  int `validate:"min=0"`
	ActorID   int64
}

// CreateGroup stores a new, empty group.
func (s *Service) CreateGroup(ctx context.Context, input CreateGroupInput) (accounting.AccountGroup, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.AccountGroup{}, err
	}
	now := s.hooks.Clock()
	var group accounting.AccountGroup
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		if input.ParentID != nil {
			if _, err := tx.GetGroup(ctx, input.CompanyID, *input.ParentID); err != nil {
				return err
			}
		}
		var err error
		group, err = tx.InsertGroup(ctx, accounting.AccountGroup{
			CompanyID: input.CompanyID,
			Name:      strings.TrimSpace(input.Name),
			ParentID:  input.ParentID,
			Position:  input.Position,
			CreatedAt: now,
			UpdatedAt: now,
		})
		return err
	})
	if err != nil {
		return accounting.AccountGroup{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "account_group.create",
		Entity:   "account_group",
		EntityID: fmt.Sprintf("%d", group.ID),
		Meta:     map[string]any{"name": group.Name},
	})
	return group, nil
}

// AddAccountToGroup appends an account to a group. Adding twice is a no-op.
func (s *Service) AddAccountToGroup(ctx context.Context, companyID, groupID, accountID, actorID int64) (accounting.AccountGroup, error) {
	return s.editGroup(ctx, companyID, groupID, actorID, "account_group.add_account", func(ctx context.Context, tx accounting.TxRepository, group *accounting.AccountGroup) error {
		if _, err := tx.GetAccount(ctx, companyID, accountID); err != nil {
			return err
		}
		if !slices.Contains(group.AccountIDs, accountID) {
			group.AccountIDs = append(group.AccountIDs, accountID)
		}
		return nil
	})
}

// RemoveAccountFromGroup drops an account from a group.
func (s *Service) RemoveAccountFromGroup(ctx context.Context, companyID, groupID, accountID, actorID int64) (accounting.AccountGroup, error) {
	return s.editGroup(ctx, companyID, groupID, actorID, "account_group.remove_account", func(ctx context.Context, tx accounting.TxRepository, group *accounting.AccountGroup) error {
		group.AccountIDs = slices.DeleteFunc(group.AccountIDs, func(id int64) bool { return id == accountID })
		return nil
	})
}

// MoveGroup re-parents a group. A nil parent makes it top level.
func (s *Service) MoveGroup(ctx context.Context, companyID, groupID int64, newParentID *int64, position int, actorID int64) (accounting.AccountGroup, error) {
	return s.editGroup(ctx, companyID, groupID, actorID, "account_group.move", func(ctx context.Context, tx accounting.TxRepository, group *accounting.AccountGroup) error {
		if newParentID != nil {
			groups, err := tx.ListGroups(ctx, companyID)
			if err != nil {
				return err
			}
			parents := make(map[int64]*int64, len(groups))
			for _, other := range groups {
				parents[other.ID] = other.ParentID
			}
			if _, ok := parents[*newParentID]; !ok {
				return accounting.ErrGroupNotFound
			}
			// Walk up from the new parent; reaching the group means a cycle.
			for cursor, steps := newParentID, 0; cursor != nil; cursor, steps = parents[*cursor], steps+1 {
				if *cursor == group.ID || steps > len(groups) {
					return fmt.Errorf("%w: group %s", accounting.ErrCycleDetected, group.Name)
				}
			}
		}
		group.ParentID = newParentID
		group.Position = position
		return nil
	})
}

func (s *Service) editGroup(ctx context.Context, companyID, groupID, actorID int64, action string, edit func(context.Context, accounting.TxRepository, *accounting.AccountGroup) error) (accounting.AccountGroup, error) {
	now := s.hooks.Clock()
	var group accounting.AccountGroup
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		group, err = tx.GetGroup(ctx, companyID, groupID)
		if err != nil {
			return err
		}
		if err := edit(ctx, tx, &group); err != nil {
			return err
		}
		group.UpdatedAt = now
		return tx.UpdateGroup(ctx, group)
	})
	if err != nil {
		return accounting.AccountGroup{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "account_group",
		EntityID: fmt.Sprintf("%d", group.ID),
	})
	return group, nil
}

// GetGroupTree returns every group nested under its parent.
func (s *Service) GetGroupTree(ctx context.Context, companyID int64) ([]*GroupNode, error) {
	var out []*GroupNode
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		groups, err := tx.ListGroups(ctx, companyID)
		if err != nil {
			return err
		}
		out = groupForest(groups)
		return nil
	})
	return out, err
}

// GroupMembers resolves the accounts of a group and its nested groups in
// group order, each account listed once.
func (s *Service) GroupMembers(ctx context.Context, companyID, groupID int64) ([]accounting.Account, error) {
	var out []accounting.Account
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		groups, err := tx.ListGroups(ctx, companyID)
		if err != nil {
			return err
		}
		ids, err := memberIDs(groups, groupID)
		if err != nil {
			return err
		}
		accounts, err := tx.ShareAccounts(ctx, companyID, ids)
		if err != nil {
			return err
		}
		byID := make(map[int64]accounting.Account, len(accounts))
		for _, account := range accounts {
			byID[account.ID] = account
		}
		for _, id := range ids {
			if account, ok := byID[id]; ok {
				out = append(out, account)
			}
		}
		return nil
	})
	return out, err
}

// MemberIDs resolves nested group membership from an already loaded group list.
func MemberIDs(groups []accounting.AccountGroup, groupID int64) ([]int64, error) {
	return memberIDs(groups, groupID)
}

func memberIDs(groups []accounting.AccountGroup, groupID int64) ([]int64, error) {
	forest := groupForest(groups)
	var root *GroupNode
	stack := slices.Clone(forest)
	for len(stack) > 0 && root == nil {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node.Group.ID == groupID {
			root = node
		}
		stack = append(stack, node.Children...)
	}
	if root == nil {
		return nil, accounting.ErrGroupNotFound
	}
	seen := make(map[int64]struct{})
	var out []int64
	stack = []*GroupNode{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, id := range node.Group.AccountIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
	return out, nil
}

// groupForest nests groups, which arrive ordered by position. Groups whose
// parent is missing surface at the top level.
func groupForest(groups []accounting.AccountGroup) []*GroupNode {
	nodes := make(map[int64]*GroupNode, len(groups))
	for _, group := range groups {
		nodes[group.ID] = &GroupNode{Group: group}
	}
	var out []*GroupNode
	for _, group := range groups {
		node := nodes[group.ID]
		if group.ParentID != nil {
			if parent, ok := nodes[*group.ParentID]; ok && parent != node {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		out = append(out, node)
	}
	return out
}
