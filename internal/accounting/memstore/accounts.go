package memstore

import (
	"context"
	"slices"
	"sort"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

func (t *tx) InsertAccount(ctx context.Context, account accounting.Account) (accounting.Account, error) {
	if err := t.writable(); err != nil {
		return accounting.Account{}, err
	}
	for _, existing := range t.st.accounts {
		if existing.CompanyID == account.CompanyID && existing.Code == account.Code {
			return accounting.Account{}, accounting.ErrDuplicateCode
		}
	}
	account.ID = t.st.id()
	t.st.accounts[account.ID] = account
	return account, nil
}

func (t *tx) GetAccount(ctx context.Context, companyID, id int64) (accounting.Account, error) {
	account, ok := t.st.accounts[id]
	if !ok || account.CompanyID != companyID {
		return accounting.Account{}, accounting.ErrAccountNotFound
	}
	return account, nil
}

func (t *tx) GetAccountByCode(ctx context.Context, companyID int64, code string) (accounting.Account, error) {
	for _, account := range t.st.accounts {
		if account.CompanyID == companyID && account.Code == code {
			return account, nil
		}
	}
	return accounting.Account{}, accounting.ErrAccountNotFound
}

func (t *tx) ListAccounts(ctx context.Context, companyID int64) ([]accounting.Account, error) {
	var out []accounting.Account
	for _, account := range t.st.accounts {
		if account.CompanyID == companyID {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *tx) ShareAccounts(ctx context.Context, companyID int64, ids []int64) ([]accounting.Account, error) {
	out := make([]accounting.Account, 0, len(ids))
	for _, id := range ids {
		if account, ok := t.st.accounts[id]; ok && account.CompanyID == companyID {
			out = append(out, account)
		}
	}
	return out, nil
}

func (t *tx) LockAccounts(ctx context.Context, companyID int64, ids []int64) error {
	return t.writable()
}

func (t *tx) UpdateAccount(ctx context.Context, account accounting.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.accounts[account.ID]
	if !ok || existing.CompanyID != account.CompanyID {
		return accounting.ErrAccountNotFound
	}
	t.st.accounts[account.ID] = account
	return nil
}

func (t *tx) DeleteAccounts(ctx context.Context, companyID int64, ids []int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, id := range ids {
		if account, ok := t.st.accounts[id]; ok && account.CompanyID == companyID {
			delete(t.st.accounts, id)
		}
	}
	return nil
}

func (t *tx) InsertGroup(ctx context.Context, group accounting.AccountGroup) (accounting.AccountGroup, error) {
	if err := t.writable(); err != nil {
		return accounting.AccountGroup{}, err
	}
	group.ID = t.st.id()
	group.AccountIDs = slices.Clone(group.AccountIDs)
	t.st.groups[group.ID] = group
	return group, nil
}

func (t *tx) GetGroup(ctx context.Context, companyID, id int64) (accounting.AccountGroup, error) {
	group, ok := t.st.groups[id]
	if !ok || group.CompanyID != companyID {
		return accounting.AccountGroup{}, accounting.ErrGroupNotFound
	}
	group.AccountIDs = slices.Clone(group.AccountIDs)
	return group, nil
}

func (t *tx) ListGroups(ctx context.Context, companyID int64) ([]accounting.AccountGroup, error) {
	var out []accounting.AccountGroup
	for _, group := range t.st.groups {
		if group.CompanyID == companyID {
			group.AccountIDs = slices.Clone(group.AccountIDs)
			out = append(out, group)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) UpdateGroup(ctx context.Context, group accounting.AccountGroup) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.groups[group.ID]
	if !ok || existing.CompanyID != group.CompanyID {
		return accounting.ErrGroupNotFound
	}
	group.AccountIDs = slices.Clone(group.AccountIDs)
	t.st.groups[group.ID] = group
	return nil
}

func (t *tx) RemoveAccountsFromGroups(ctx context.Context, companyID int64, accountIDs []int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	for id, group := range t.st.groups {
		if group.CompanyID != companyID {
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(group.AccountIDs), func(accountID int64) bool {
			return slices.Contains(accountIDs, accountID)
		})
		if len(kept) != len(group.AccountIDs) {
			group.AccountIDs = kept
			t.st.groups[id] = group
		}
	}
	return nil
}
