package accounts

import (
	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// Node is an account with its children ordered by code.
type Node struct {
	Account  accounting.Account
	Children []*Node
}

// arena indexes a company's accounts by id with child lists, so walks never
// recurse and never revisit a node.
type arena struct {
	index    map[int64]int
	accounts []accounting.Account
	children [][]int
	roots    []int
}

// newArena indexes accounts, which must be ordered by code so children come out ordered.
func newArena(accounts []accounting.Account) *arena {
	a := &arena{
		index:    make(map[int64]int, len(accounts)),
		accounts: accounts,
		children: make([][]int, len(accounts)),
	}
	for i, account := range accounts {
		a.index[account.ID] = i
	}
	for i, account := range accounts {
		if account.ParentID == nil {
			a.roots = append(a.roots, i)
			continue
		}
		parent, ok := a.index[*account.ParentID]
		if !ok {
			a.roots = append(a.roots, i)
			continue
		}
		a.children[parent] = append(a.children[parent], i)
	}
	return a
}

func (a *arena) get(id int64) (accounting.Account, bool) {
	i, ok := a.index[id]
	if !ok {
		return accounting.Account{}, false
	}
	return a.accounts[i], true
}

// subtree lists id and all its descendants breadth first, parents before children.
func (a *arena) subtree(id int64) []int64 {
	start, ok := a.index[id]
	if !ok {
		return nil
	}
	seen := make([]bool, len(a.accounts))
	queue := []int{start}
	seen[start] = true
	out := make([]int64, 0, 8)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, a.accounts[i].ID)
		for _, child := range a.children[i] {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return out
}

// tree materialises nodes for the given roots.
func (a *arena) tree(roots []int) []*Node {
	nodes := make([]*Node, len(a.accounts))
	for i := range a.accounts {
		nodes[i] = &Node{Account: a.accounts[i]}
	}
	seen := make([]bool, len(a.accounts))
	out := make([]*Node, 0, len(roots))
	stack := make([]int, 0, len(roots))
	for _, root := range roots {
		out = append(out, nodes[root])
		stack = append(stack, root)
		seen[root] = true
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range a.children[i] {
			if seen[child] {
				continue
			}
			seen[child] = true
			nodes[i].Children = append(nodes[i].Children, nodes[child])
			stack = append(stack, child)
		}
	}
	return out
}
