package accounts_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/balances"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledgertest"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/periods"
)

var D = ledgertest.D

type harness struct {
	fx       *ledgertest.Fixture
	accounts *accounts.Service
	journals *journals.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := ledgertest.New(t)
	money := accounting.NewMoney(2)
	hooks := fx.Hooks()
	bal := balances.NewService(fx.Store, money, hooks)
	cal := periods.NewService(fx.Store, hooks)
	return &harness{
		fx:       fx,
		accounts: accounts.NewService(fx.Store, bal, hooks),
		journals: journals.NewService(fx.Store, cal, bal, money, hooks),
	}
}

func (h *harness) create(t *testing.T, code string, typ accounting.AccountType, parent *int64) accounting.Account {
	t.Helper()
	account, err := h.accounts.CreateAccount(context.Background(), accounts.CreateAccountInput{
		CompanyID: ledgertest.CompanyID,
		Code:      code,
		Name:      "Account " + code,
		Type:      typ,
		ParentID:  parent,
	})
	require.NoError(t, err)
	return account
}

func (h *harness) post(t *testing.T, debit, credit int64, amount string) {
	t.Helper()
	_, err := h.journals.Post(context.Background(), journals.PostingInput{
		CompanyID: ledgertest.CompanyID,
		Date:      ledgertest.Date(2024, 3, 5),
		Lines: []journals.LineInput{
			{AccountID: debit, Debit: D(amount)},
			{AccountID: credit, Credit: D(amount)},
		},
	})
	require.NoError(t, err)
}

func ptr(id int64) *int64 { return &id }

func TestCodeRules(t *testing.T) {
	rules := accounts.DefaultCodeRules()
	code, err := rules.Normalise("  1100-ab ")
	require.NoError(t, err)
	require.Equal(t, "1100-AB", code)

	for _, bad := range []string{"", "11 00", "1100--01", "1-2-3-4-5-6-7", "12345678901", "ÄBC"} {
		_, err := rules.Normalise(bad)
		require.ErrorIs(t, err, accounting.ErrInvalidCode, bad)
	}
}

func TestCreateAccountRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assets := h.fx.Account("1000")

	child := h.create(t, "1300", accounting.AccountTypeAsset, ptr(assets))
	require.Equal(t, 2, child.Level)
	require.Equal(t, accounting.NormalSideDebit, child.NormalSide)

	grandchild := h.create(t, "1300-01", accounting.AccountTypeAsset, ptr(child.ID))
	require.Equal(t, 3, grandchild.Level)

	_, err := h.accounts.CreateAccount(ctx, accounts.CreateAccountInput{
		CompanyID: ledgertest.CompanyID, Code: "1300", Name: "dup", Type: accounting.AccountTypeAsset,
	})
	require.ErrorIs(t, err, accounting.ErrDuplicateCode)

	_, err = h.accounts.CreateAccount(ctx, accounts.CreateAccountInput{
		CompanyID: ledgertest.CompanyID, Code: "2100", Name: "wrong", Type: accounting.AccountTypeLiability, ParentID: ptr(assets),
	})
	require.ErrorIs(t, err, accounting.ErrTypeMismatch)

	contra, err := h.accounts.CreateAccount(ctx, accounts.CreateAccountInput{
		CompanyID: ledgertest.CompanyID, Code: "1900", Name: "Accumulated depreciation",
		Type: accounting.AccountTypeAsset, NormalSide: accounting.NormalSideCredit,
	})
	require.NoError(t, err)
	require.Equal(t, accounting.NormalSideCredit, contra.NormalSide)

	_, err = h.accounts.CreateAccount(ctx, accounts.CreateAccountInput{
		CompanyID: ledgertest.CompanyID, Code: "bad code", Name: "x", Type: accounting.AccountTypeAsset,
	})
	require.ErrorIs(t, err, accounting.ErrInvalidCode)
}

func TestMoveAccountRecomputesLevelsAndRejectsCycles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, "1500", accounting.AccountTypeAsset, nil)
	b := h.create(t, "1510", accounting.AccountTypeAsset, ptr(a.ID))
	c := h.create(t, "1511", accounting.AccountTypeAsset, ptr(b.ID))

	_, err := h.accounts.MoveAccount(ctx, accounts.MoveAccountInput{CompanyID: ledgertest.CompanyID, AccountID: a.ID, NewParentID: ptr(c.ID)})
	require.ErrorIs(t, err, accounting.ErrCycleDetected)
	_, err = h.accounts.MoveAccount(ctx, accounts.MoveAccountInput{CompanyID: ledgertest.CompanyID, AccountID: a.ID, NewParentID: ptr(a.ID)})
	require.ErrorIs(t, err, accounting.ErrCycleDetected)
	_, err = h.accounts.MoveAccount(ctx, accounts.MoveAccountInput{CompanyID: ledgertest.CompanyID, AccountID: a.ID, NewParentID: ptr(h.fx.Account("2000"))})
	require.ErrorIs(t, err, accounting.ErrTypeMismatch)

	moved, err := h.accounts.MoveAccount(ctx, accounts.MoveAccountInput{CompanyID: ledgertest.CompanyID, AccountID: a.ID, NewParentID: ptr(h.fx.Account("1100"))})
	require.NoError(t, err)
	require.Equal(t, 3, moved.Level)

	got, err := h.accounts.GetAccount(ctx, ledgertest.CompanyID, c.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.Level)

	moved, err = h.accounts.MoveAccount(ctx, accounts.MoveAccountInput{CompanyID: ledgertest.CompanyID, AccountID: a.ID})
	require.NoError(t, err)
	require.Nil(t, moved.ParentID)
	got, err = h.accounts.GetAccount(ctx, ledgertest.CompanyID, c.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Level)
}

func TestDeactivateBlockedByOpenPeriodPostings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cash, revenue := h.fx.Account("1100"), h.fx.Account("4000")

	h.post(t, cash, revenue, "25")
	_, err := h.accounts.Deactivate(ctx, ledgertest.CompanyID, revenue, 1)
	require.ErrorIs(t, err, accounting.ErrHasPostings)

	h.fx.SetPeriodStatus(t, h.fx.Period(3).ID, accounting.PeriodStatusClosed)
	account, err := h.accounts.Deactivate(ctx, ledgertest.CompanyID, revenue, 1)
	require.NoError(t, err)
	require.Equal(t, accounting.AccountStatusInactive, account.Status)

	account, err = h.accounts.Activate(ctx, ledgertest.CompanyID, revenue, 1)
	require.NoError(t, err)
	require.True(t, account.Active())
	require.Contains(t, h.fx.Audit.Actions(), "account.deactivate")
}

func TestDeleteAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := h.create(t, "1600", accounting.AccountTypeAsset, nil)
	child := h.create(t, "1610", accounting.AccountTypeAsset, ptr(parent.ID))
	group, err := h.accounts.CreateGroup(ctx, accounts.CreateGroupInput{CompanyID: ledgertest.CompanyID, Name: "Current assets"})
	require.NoError(t, err)
	_, err = h.accounts.AddAccountToGroup(ctx, ledgertest.CompanyID, group.ID, child.ID, 1)
	require.NoError(t, err)

	_, err = h.accounts.DeleteAccount(ctx, accounts.DeleteAccountInput{CompanyID: ledgertest.CompanyID, AccountID: parent.ID})
	require.ErrorIs(t, err, accounting.ErrHasChildren)

	deleted, err := h.accounts.DeleteAccount(ctx, accounts.DeleteAccountInput{CompanyID: ledgertest.CompanyID, AccountID: parent.ID, Force: true})
	require.NoError(t, err)
	require.Equal(t, []int64{child.ID, parent.ID}, deleted)

	members, err := h.accounts.GroupMembers(ctx, ledgertest.CompanyID, group.ID)
	require.NoError(t, err)
	require.Empty(t, members)

	h.post(t, h.fx.Account("1200"), h.fx.Account("4000"), "5")
	_, err = h.accounts.DeleteAccount(ctx, accounts.DeleteAccountInput{CompanyID: ledgertest.CompanyID, AccountID: h.fx.Account("1000"), Force: true})
	require.ErrorIs(t, err, accounting.ErrHasPostings)
}

func TestTreeAndAggregatedBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cash, receivables, revenue := h.fx.Account("1100"), h.fx.Account("1200"), h.fx.Account("4000")

	h.post(t, cash, revenue, "100")
	h.post(t, receivables, revenue, "40")

	forest, err := h.accounts.GetTree(ctx, ledgertest.CompanyID, nil)
	require.NoError(t, err)
	require.Equal(t, "1000", forest[0].Account.Code)
	require.Len(t, forest[0].Children, 2)
	require.Equal(t, "1100", forest[0].Children[0].Account.Code)

	sub, err := h.accounts.GetTree(ctx, ledgertest.CompanyID, ptr(cash))
	require.NoError(t, err)
	require.Len(t, sub, 1)
	require.Empty(t, sub[0].Children)

	agg, err := h.accounts.GetAggregatedBalance(ctx, ledgertest.CompanyID, h.fx.Account("1000"), ledgertest.Date(2024, 3, 31))
	require.NoError(t, err)
	require.Equal(t, 3, agg.Accounts)
	require.True(t, agg.Own.Closing.IsZero())
	require.True(t, agg.Total.Closing.Equal(D("140")))

	early, err := h.accounts.GetAggregatedBalance(ctx, ledgertest.CompanyID, h.fx.Account("1000"), ledgertest.Date(2024, 3, 4))
	require.NoError(t, err)
	require.True(t, early.Total.Closing.IsZero())
}

func TestGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	top, err := h.accounts.CreateGroup(ctx, accounts.CreateGroupInput{CompanyID: ledgertest.CompanyID, Name: "Liquidity"})
	require.NoError(t, err)
	nested, err := h.accounts.CreateGroup(ctx, accounts.CreateGroupInput{CompanyID: ledgertest.CompanyID, Name: "Bank", ParentID: ptr(top.ID)})
	require.NoError(t, err)

	_, err = h.accounts.AddAccountToGroup(ctx, ledgertest.CompanyID, top.ID, h.fx.Account("1100"), 1)
	require.NoError(t, err)
	_, err = h.accounts.AddAccountToGroup(ctx, ledgertest.CompanyID, nested.ID, h.fx.Account("1200"), 1)
	require.NoError(t, err)
	_, err = h.accounts.AddAccountToGroup(ctx, ledgertest.CompanyID, nested.ID, h.fx.Account("1100"), 1)
	require.NoError(t, err)
	_, err = h.accounts.AddAccountToGroup(ctx, ledgertest.CompanyID, nested.ID, 424242, 1)
	require.ErrorIs(t, err, accounting.ErrAccountNotFound)

	members, err := h.accounts.GroupMembers(ctx, ledgertest.CompanyID, top.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "1100", members[0].Code)
	require.Equal(t, "1200", members[1].Code)

	_, err = h.accounts.MoveGroup(ctx, ledgertest.CompanyID, top.ID, ptr(nested.ID), 0, 1)
	require.ErrorIs(t, err, accounting.ErrCycleDetected)

	tree, err := h.accounts.GetGroupTree(ctx, ledgertest.CompanyID)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Children, 1)

	_, err = h.accounts.RemoveAccountFromGroup(ctx, ledgertest.CompanyID, nested.ID, h.fx.Account("1200"), 1)
	require.NoError(t, err)
	members, err = h.accounts.GroupMembers(ctx, ledgertest.CompanyID, nested.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)

	_, err = h.accounts.MoveGroup(ctx, ledgertest.CompanyID, nested.ID, nil, 1, 1)
	require.NoError(t, err)
	tree, err = h.accounts.GetGroupTree(ctx, ledgertest.CompanyID)
	require.NoError(t, err)
	require.Len(t, tree, 2)
}
