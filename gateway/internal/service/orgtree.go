package service

import (
	"context"
	"fmt"

	"github.com/orglink/bridge/pkg/types"
)

// maxOrgDepth bounds subordinate recursion. Directory manager references
// can form cycles; without a bound a cycle recurses indefinitely.
const maxOrgDepth = 10

// OrgTree returns the subordinate tree rooted at the given employee,
// depth-bounded at maxOrgDepth levels below the root.
func (s *Service) OrgTree(ctx context.Context, rootID string) (*types.OrgNode, error) {
	root, err := s.store.GetEmployee(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("employee not found: %s", rootID)
	}

	node := &types.OrgNode{Employee: *root}
	if err := s.attachSubordinates(ctx, node, 0); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Service) attachSubordinates(ctx context.Context, node *types.OrgNode, depth int) error {
	if depth >= maxOrgDepth {
		return nil
	}

	subs, err := s.store.ListSubordinates(ctx, node.ID)
	if err != nil {
		return err
	}

	for i := range subs {
		child := &types.OrgNode{Employee: subs[i]}
		node.Subordinates = append(node.Subordinates, child)
		if err := s.attachSubordinates(ctx, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// TeamMembers returns the flat list of everyone below the given employee,
// depth-bounded the same way as OrgTree.
func (s *Service) TeamMembers(ctx context.Context, managerID string) ([]types.Employee, error) {
	var team []types.Employee
	if err := s.collectTeam(ctx, managerID, 0, &team); err != nil {
		return nil, err
	}
	return team, nil
}

func (s *Service) collectTeam(ctx context.Context, managerID string, depth int, out *[]types.Employee) error {
	if depth >= maxOrgDepth {
		return nil
	}

	subs, err := s.store.ListSubordinates(ctx, managerID)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		*out = append(*out, sub)
		if err := s.collectTeam(ctx, sub.ID, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}
