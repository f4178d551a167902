package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

const accountColumns = `id, company_id, code, name, type, category, parent_id, level, status, normal_side, created_at, updated_at`

func scanAccount(row pgx.Row) (accounting.Account, error) {
	var a accounting.Account
	err := row.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type, &a.Category, &a.ParentID, &a.Level, &a.Status, &a.NormalSide, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func collectAccounts(rows pgx.Rows, err error) ([]accounting.Account, error) {
	if err != nil {
		return nil, mapError(err)
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.Account, error) {
		return scanAccount(row)
	})
	if err != nil {
		return nil, mapError(err)
	}
	return accounts, nil
}

func (r *txRepository) InsertAccount(ctx context.Context, account accounting.Account) (accounting.Account, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO gl_accounts (company_id, code, name, type, category, parent_id, level, status, normal_side, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10) RETURNING id`,
		account.CompanyID, account.Code, account.Name, account.Type, account.Category, nullIntPtr(account.ParentID),
		account.Level, account.Status, account.NormalSide, nowIfZero(account.CreatedAt))
	if err := row.Scan(&account.ID); err != nil {
		return accounting.Account{}, mapError(err)
	}
	return account, nil
}

func (r *txRepository) GetAccount(ctx context.Context, companyID, id int64) (accounting.Account, error) {
	account, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM gl_accounts WHERE company_id = $1 AND id = $2`, companyID, id))
	if err != nil {
		return accounting.Account{}, notFound(err, accounting.ErrAccountNotFound)
	}
	return account, nil
}

func (r *txRepository) GetAccountByCode(ctx context.Context, companyID int64, code string) (accounting.Account, error) {
	account, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM gl_accounts WHERE company_id = $1 AND code = $2`, companyID, code))
	if err != nil {
		return accounting.Account{}, notFound(err, accounting.ErrAccountNotFound)
	}
	return account, nil
}

func (r *txRepository) ListAccounts(ctx context.Context, companyID int64) ([]accounting.Account, error) {
	return collectAccounts(r.tx.Query(ctx, `SELECT `+accountColumns+` FROM gl_accounts WHERE company_id = $1 ORDER BY code`, companyID))
}

func (r *txRepository) ShareAccounts(ctx context.Context, companyID int64, ids []int64) ([]accounting.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return collectAccounts(r.tx.Query(ctx, `SELECT `+accountColumns+` FROM gl_accounts WHERE company_id = $1 AND id = ANY($2) ORDER BY id`+r.lockClause("FOR SHARE"), companyID, ids))
}

func (r *txRepository) LockAccounts(ctx context.Context, companyID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := r.tx.Query(ctx, `SELECT id FROM gl_accounts WHERE company_id = $1 AND id = ANY($2) ORDER BY id FOR UPDATE`, companyID, ids)
	if err != nil {
		return mapError(err)
	}
	rows.Close()
	return mapError(rows.Err())
}

func (r *txRepository) UpdateAccount(ctx context.Context, account accounting.Account) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_accounts SET code = $3, name = $4, type = $5, category = $6, parent_id = $7, level = $8, status = $9, normal_side = $10, updated_at = $11
WHERE company_id = $1 AND id = $2`,
		account.CompanyID, account.ID, account.Code, account.Name, account.Type, account.Category, nullIntPtr(account.ParentID),
		account.Level, account.Status, account.NormalSide, nowIfZero(account.UpdatedAt))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrAccountNotFound
	}
	return nil
}

func (r *txRepository) DeleteAccounts(ctx context.Context, companyID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.tx.Exec(ctx, `DELETE FROM gl_accounts WHERE company_id = $1 AND id = ANY($2)`, companyID, ids)
	return mapError(err)
}

const groupColumns = `id, company_id, name, parent_id, position, account_ids, created_at, updated_at`

func scanGroup(row pgx.Row) (accounting.AccountGroup, error) {
	var g accounting.AccountGroup
	err := row.Scan(&g.ID, &g.CompanyID, &g.Name, &g.ParentID, &g.Position, &g.AccountIDs, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func groupMembers(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func (r *txRepository) InsertGroup(ctx context.Context, group accounting.AccountGroup) (accounting.AccountGroup, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO gl_account_groups (company_id, name, parent_id, position, account_ids, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6) RETURNING id`,
		group.CompanyID, group.Name, nullIntPtr(group.ParentID), group.Position, groupMembers(group.AccountIDs), nowIfZero(group.CreatedAt))
	if err := row.Scan(&group.ID); err != nil {
		return accounting.AccountGroup{}, mapError(err)
	}
	return group, nil
}

func (r *txRepository) GetGroup(ctx context.Context, companyID, id int64) (accounting.AccountGroup, error) {
	group, err := scanGroup(r.tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM gl_account_groups WHERE company_id = $1 AND id = $2`, companyID, id))
	if err != nil {
		return accounting.AccountGroup{}, notFound(err, accounting.ErrGroupNotFound)
	}
	return group, nil
}

func (r *txRepository) ListGroups(ctx context.Context, companyID int64) ([]accounting.AccountGroup, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+groupColumns+` FROM gl_account_groups WHERE company_id = $1 ORDER BY position, id`, companyID)
	if err != nil {
		return nil, mapError(err)
	}
	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.AccountGroup, error) {
		return scanGroup(row)
	})
	return groups, mapError(err)
}

func (r *txRepository) UpdateGroup(ctx context.Context, group accounting.AccountGroup) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_account_groups SET name = $3, parent_id = $4, position = $5, account_ids = $6, updated_at = $7
WHERE company_id = $1 AND id = $2`,
		group.CompanyID, group.ID, group.Name, nullIntPtr(group.ParentID), group.Position, groupMembers(group.AccountIDs), nowIfZero(group.UpdatedAt))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrGroupNotFound
	}
	return nil
}

func (r *txRepository) RemoveAccountsFromGroups(ctx context.Context, companyID int64, accountIDs []int64) error {
	if len(accountIDs) == 0 {
		return nil
	}
	_, err := r.tx.Exec(ctx, `UPDATE gl_account_groups
SET account_ids = ARRAY(SELECT m.id FROM unnest(account_ids) WITH ORDINALITY AS m(id, n) WHERE m.id <> ALL($2) ORDER BY m.n),
    updated_at = NOW()
WHERE company_id = $1 AND account_ids && $2`, companyID, accountIDs)
	return mapError(err)
}
