// Package accounts maintains the hierarchical chart of accounts.
package accounts

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// BalanceReader sums balances as of a date inside a transaction.
type BalanceReader interface {
	AsOfTx(ctx context.Context, tx accounting.TxRepository, companyID int64, accountIDs []int64, asOf time.Time) (map[int64]accounting.BalanceSummary, error)
}

// Service is the account registry.
type Service struct {
	repo     accounting.Repository
	balances BalanceReader
	rules    CodeRules
	hooks    accounting.Hooks
}

// NewService constructs the registry with DefaultCodeRules.
func NewService(repo accounting.Repository, balances BalanceReader, hooks accounting.Hooks) *Service {
	return &Service{repo: repo, balances: balances, rules: DefaultCodeRules(), hooks: hooks}
}

// WithCodeRules replaces the account code rules.
func (s *Service) WithCodeRules(rules CodeRules) {
	s.rules = rules
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.hooks.Now = now
	}
}

// CreateAccountInput describes a new account. NormalSide defaults from Type.
type CreateAccountInput struct {
	CompanyID  int64  `validate:"required"`
	Code       string `validate:"required"`
	Name       string `validate:"required,max=128"`
	Type       accounting.AccountType
	Category   string `validate:"max=64"`
	ParentID   *int64
	NormalSide accounting.NormalSide
	ActorID    int64
}

// CreateAccount adds an account under an optional parent of the same type.
func (s *Service) CreateAccount(ctx context.Context, input CreateAccountInput) (accounting.Account, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.Account{}, err
	}
	code, err := s.rules.Normalise(input.Code)
	if err != nil {
		return accounting.Account{}, err
	}
	if !input.Type.Valid() {
		return accounting.Account{}, fmt.Errorf("%w: unknown account type %q", accounting.ErrInvalidInput, input.Type)
	}
	side := input.NormalSide
	if side == "" {
		side = accounting.DefaultNormalSide(input.Type)
	}
	if side != accounting.NormalSideDebit && side != accounting.NormalSideCredit {
		return accounting.Account{}, fmt.Errorf("%w: unknown normal side %q", accounting.ErrInvalidInput, side)
	}
	now := s.hooks.Clock()
	var account accounting.Account
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		account = accounting.Account{
			CompanyID:  input.CompanyID,
			Code:       code,
			Name:       strings.TrimSpace(input.Name),
			Type:       input.Type,
			Category:   input.Category,
			Level:      1,
			Status:     accounting.AccountStatusActive,
			NormalSide: side,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if input.ParentID != nil {
			parent, err := tx.GetAccount(ctx, input.CompanyID, *input.ParentID)
			if err != nil {
				return err
			}
			if parent.Type != input.Type {
				return fmt.Errorf("%w: parent %s is %s", accounting.ErrTypeMismatch, parent.Code, parent.Type)
			}
			parentID := parent.ID
			account.ParentID = &parentID
			account.Level = parent.Level + 1
		}
		if _, err := tx.GetAccountByCode(ctx, input.CompanyID, code); err == nil {
			return fmt.Errorf("%w: %s", accounting.ErrDuplicateCode, code)
		}
		var err error
		account, err = tx.InsertAccount(ctx, account)
		return err
	})
	if err != nil {
		return accounting.Account{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "account.create",
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", account.ID),
		Meta:     map[string]any{"code": account.Code, "type": string(account.Type)},
	})
	return account, nil
}

// UpdateAccountInput renames or recategorises an account.
type UpdateAccountInput struct {
	CompanyID int64  `validate:"required"`
	AccountID int64  `validate:"required"`
	Name      string `validate:"required,max=128"`
	Category  string `validate:"max=64"`
	ActorID   int64
}

// UpdateAccount changes descriptive fields. Code, type and parent are not editable here.
func (s *Service) UpdateAccount(ctx context.Context, input UpdateAccountInput) (accounting.Account, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.Account{}, err
	}
	now := s.hooks.Clock()
	var account accounting.Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		account, err = tx.GetAccount(ctx, input.CompanyID, input.AccountID)
		if err != nil {
			return err
		}
		account.Name = strings.TrimSpace(input.Name)
		account.Category = input.Category
		account.UpdatedAt = now
		return tx.UpdateAccount(ctx, account)
	})
	if err != nil {
		return accounting.Account{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "account.update",
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", account.ID),
	})
	return account, nil
}

// MoveAccountInput re-parents an account. A nil NewParentID makes it a root.
type MoveAccountInput struct {
	CompanyID   int64 `validate:"required"`
	AccountID   int64 `validate:"required"`
	NewParentID *int64
	ActorID     int64
}

// MoveAccount re-parents an account and recomputes the levels of its subtree.
// The subtree and the new parent stay exclusively locked until commit.
func (s *Service) MoveAccount(ctx context.Context, input MoveAccountInput) (moved accounting.Account, err error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.Account{}, err
	}
	ctx, span := accounting.StartSpan(ctx, "accounts.MoveAccount", input.CompanyID,
		attribute.Int64("ledger.account_id", input.AccountID))
	defer func() { accounting.EndSpan(span, err) }()

	now := s.hooks.Clock()
	var subtree []int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		all, err := tx.ListAccounts(ctx, input.CompanyID)
		if err != nil {
			return err
		}
		tree := newArena(all)
		account, ok := tree.get(input.AccountID)
		if !ok {
			return accounting.ErrAccountNotFound
		}
		subtree = tree.subtree(account.ID)
		level := 1
		lockIDs := slices.Clone(subtree)
		if input.NewParentID != nil {
			if slices.Contains(subtree, *input.NewParentID) {
				return fmt.Errorf("%w: %s cannot move under its own subtree", accounting.ErrCycleDetected, account.Code)
			}
			parent, ok := tree.get(*input.NewParentID)
			if !ok {
				return fmt.Errorf("%w: parent %d", accounting.ErrAccountNotFound, *input.NewParentID)
			}
			if parent.Type != account.Type {
				return fmt.Errorf("%w: %s is %s, parent %s is %s", accounting.ErrTypeMismatch, account.Code, account.Type, parent.Code, parent.Type)
			}
			level = parent.Level + 1
			lockIDs = append(lockIDs, parent.ID)
		}
		slices.Sort(lockIDs)
		if err := tx.LockAccounts(ctx, input.CompanyID, lockIDs); err != nil {
			return err
		}

		levels := map[int64]int{account.ID: level}
		for _, id := range subtree {
			current, _ := tree.get(id)
			if id == account.ID {
				current.ParentID = input.NewParentID
				current.Level = level
			} else {
				current.Level = levels[*current.ParentID] + 1
			}
			levels[id] = current.Level
			current.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, current); err != nil {
				return err
			}
			if id == account.ID {
				moved = current
			}
		}
		return nil
	})
	if err != nil {
		return accounting.Account{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "account.move",
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", moved.ID),
		Meta:     map[string]any{"parent_id": input.NewParentID, "subtree": len(subtree), "level": moved.Level},
	})
	return moved, nil
}

// Activate re-enables postings to an account.
func (s *Service) Activate(ctx context.Context, companyID, accountID, actorID int64) (accounting.Account, error) {
	return s.setStatus(ctx, companyID, accountID, actorID, accounting.AccountStatusActive)
}

// Deactivate blocks new postings. It fails while the account carries postings
// in an open period of the current fiscal year.
func (s *Service) Deactivate(ctx context.Context, companyID, accountID, actorID int64) (accounting.Account, error) {
	return s.setStatus(ctx, companyID, accountID, actorID, accounting.AccountStatusInactive)
}

func (s *Service) setStatus(ctx context.Context, companyID, accountID, actorID int64, status accounting.AccountStatus) (accounting.Account, error) {
	now := s.hooks.Clock()
	var account accounting.Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		if err := tx.LockAccounts(ctx, companyID, []int64{accountID}); err != nil {
			return err
		}
		var err error
		account, err = tx.GetAccount(ctx, companyID, accountID)
		if err != nil {
			return err
		}
		if account.Status == status {
			return nil
		}
		if status == accounting.AccountStatusInactive {
			if err := s.checkNoOpenPostings(ctx, tx, account); err != nil {
				return err
			}
		}
		account.Status = status
		account.UpdatedAt = now
		return tx.UpdateAccount(ctx, account)
	})
	if err != nil {
		return accounting.Account{}, err
	}
	action := "account.activate"
	if status == accounting.AccountStatusInactive {
		action = "account.deactivate"
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", account.ID),
	})
	return account, nil
}

func (s *Service) checkNoOpenPostings(ctx context.Context, tx accounting.TxRepository, account accounting.Account) error {
	years, err := tx.ListFiscalYears(ctx, account.CompanyID)
	if err != nil {
		return err
	}
	for _, year := range years {
		if !year.IsCurrent {
			continue
		}
		periods, err := tx.ListPeriods(ctx, account.CompanyID, year.ID)
		if err != nil {
			return err
		}
		var open []int64
		for _, period := range periods {
			if period.Status == accounting.PeriodStatusOpen {
				open = append(open, period.ID)
			}
		}
		if len(open) == 0 {
			return nil
		}
		count, err := tx.CountPostings(ctx, account.CompanyID, accounting.PostingFilter{
			AccountIDs:   []int64{account.ID},
			FiscalYearID: year.ID,
			PeriodIDs:    open,
		})
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s has %d postings in open periods of %s", accounting.ErrHasPostings, account.Code, count, year.Name)
		}
	}
	return nil
}

// DeleteAccountInput deletes an account. Force deletes the whole subtree.
type DeleteAccountInput struct {
	CompanyID int64 `validate:"required"`
	AccountID int64 `validate:"required"`
	Force     bool
	ActorID   int64
}

// DeleteAccount removes an account that never received postings. It returns
// the deleted ids, deepest accounts first.
func (s *Service) DeleteAccount(ctx context.Context, input DeleteAccountInput) ([]int64, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return nil, err
	}
	var deleted []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		all, err := tx.ListAccounts(ctx, input.CompanyID)
		if err != nil {
			return err
		}
		tree := newArena(all)
		account, ok := tree.get(input.AccountID)
		if !ok {
			return accounting.ErrAccountNotFound
		}
		subtree := tree.subtree(account.ID)
		if len(subtree) > 1 && !input.Force {
			return fmt.Errorf("%w: %s has %d descendants", accounting.ErrHasChildren, account.Code, len(subtree)-1)
		}
		locked := slices.Clone(subtree)
		slices.Sort(locked)
		if err := tx.LockAccounts(ctx, input.CompanyID, locked); err != nil {
			return err
		}
		count, err := tx.CountPostings(ctx, input.CompanyID, accounting.PostingFilter{AccountIDs: subtree})
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %d postings under %s", accounting.ErrHasPostings, count, account.Code)
		}
		if err := tx.RemoveAccountsFromGroups(ctx, input.CompanyID, subtree); err != nil {
			return err
		}
		deleted = slices.Clone(subtree)
		slices.Reverse(deleted)
		return tx.DeleteAccounts(ctx, input.CompanyID, deleted)
	})
	if err != nil {
		return nil, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "account.delete",
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", input.AccountID),
		Meta:     map[string]any{"deleted": deleted, "force": input.Force},
	})
	return deleted, nil
}

// GetAccount returns one account.
func (s *Service) GetAccount(ctx context.Context, companyID, accountID int64) (accounting.Account, error) {
	var account accounting.Account
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		account, err = tx.GetAccount(ctx, companyID, accountID)
		return err
	})
	return account, err
}

// ListAccounts lists accounts ordered by code.
func (s *Service) ListAccounts(ctx context.Context, companyID int64) ([]accounting.Account, error) {
	var out []accounting.Account
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		out, err = tx.ListAccounts(ctx, companyID)
		return err
	})
	return out, err
}

// GetTree returns the chart as a forest, or the subtree under rootID.
func (s *Service) GetTree(ctx context.Context, companyID int64, rootID *int64) ([]*Node, error) {
	var out []*Node
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		all, err := tx.ListAccounts(ctx, companyID)
		if err != nil {
			return err
		}
		tree := newArena(all)
		if rootID == nil {
			out = tree.tree(tree.roots)
			return nil
		}
		i, ok := tree.index[*rootID]
		if !ok {
			return accounting.ErrAccountNotFound
		}
		out = tree.tree([]int{i})
		return nil
	})
	return out, err
}

// AggregatedBalance is an account's balance together with its descendants.
type AggregatedBalance struct {
	AccountID int64
	AsOf      time.Time
	Own       accounting.BalanceSummary
	Total     accounting.BalanceSummary
	Accounts  int
}

// GetAggregatedBalance sums the balances of an account and every descendant as of asOf.
func (s *Service) GetAggregatedBalance(ctx context.Context, companyID, accountID int64, asOf time.Time) (AggregatedBalance, error) {
	out := AggregatedBalance{AccountID: accountID, AsOf: accounting.DateOnly(asOf)}
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		all, err := tx.ListAccounts(ctx, companyID)
		if err != nil {
			return err
		}
		tree := newArena(all)
		if _, ok := tree.get(accountID); !ok {
			return accounting.ErrAccountNotFound
		}
		ids := tree.subtree(accountID)
		sums, err := s.balances.AsOfTx(ctx, tx, companyID, ids, out.AsOf)
		if err != nil {
			return err
		}
		out.Own = sums[accountID]
		out.Accounts = len(ids)
		for i, id := range ids {
			if i == 0 {
				out.Total = sums[id]
				continue
			}
			out.Total = out.Total.Add(sums[id])
		}
		return nil
	})
	return out, err
}
