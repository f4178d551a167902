package reports

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// CreateWTBInput snapshots a trial balance into a working trial balance.
type CreateWTBInput struct {
	CompanyID   int64  `validate:"required"`
	Name        string `validate:"required,max=120"`
	AsOf        time.Time
	Filters     Filters
	IncludeZero bool
	ActorID     int64
}

// WTBLineView is a line with its adjustments resolved.
type WTBLineView struct {
	accounting.WTBLine
	Adjustments []decimal.Decimal
	Adjusted    decimal.Decimal
	Proposed    decimal.Decimal
}

// WTBView renders a working trial balance with per column totals.
type WTBView struct {
	accounting.WorkingTrialBalance
	Rows            []WTBLineView
	ColumnNet       []decimal.Decimal
	TotalUnadjusted decimal.Decimal
	TotalAdjusted   decimal.Decimal
	TotalProposed   decimal.Decimal
}

// CreateWorkingTB snapshots unadjusted closing balances as of a date.
func (s *Service) CreateWorkingTB(ctx context.Context, input CreateWTBInput) (accounting.WorkingTrialBalance, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.WorkingTrialBalance{}, err
	}
	asOf := input.AsOf
	if asOf.IsZero() {
		asOf = s.hooks.Clock()
	}
	asOf = accounting.DateOnly(asOf)
	filters := input.Filters
	filters.IncludeZero = filters.IncludeZero || input.IncludeZero

	var wtb accounting.WorkingTrialBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		rows, _, err := s.collect(ctx, tx, Request{CompanyID: input.CompanyID, AsOf: asOf, Filters: filters})
		if err != nil {
			return err
		}
		lines := make([]accounting.WTBLine, 0, len(rows))
		for _, row := range BuildTrialBalance(s.money, rows, ByCodePrefix).Rows() {
			lines = append(lines, accounting.WTBLine{
				AccountID:  row.AccountID,
				Code:       row.Code,
				Name:       row.Name,
				Type:       row.Type,
				Unadjusted: row.Closing,
			})
		}
		wtb, err = tx.InsertWTB(ctx, accounting.WorkingTrialBalance{
			CompanyID: input.CompanyID,
			Name:      strings.TrimSpace(input.Name),
			AsOf:      asOf,
			Status:    accounting.WTBStatusDraft,
			Lines:     lines,
			CreatedBy: input.ActorID,
			CreatedAt: s.hooks.Clock(),
		})
		return err
	})
	if err != nil {
		return accounting.WorkingTrialBalance{}, err
	}
	s.recordWTB(ctx, wtb, input.ActorID, "wtb.create", map[string]any{"as_of": asOf.Format(time.DateOnly), "lines": len(wtb.Lines)})
	return wtb, nil
}

// AddAdjustmentColumn appends a named column to a draft working trial balance.
func (s *Service) AddAdjustmentColumn(ctx context.Context, companyID, wtbID int64, name, kind string, actorID int64) (accounting.AdjustmentColumn, error) {
	columnKind, err := accounting.ParseColumnKind(kind)
	if err != nil {
		return accounting.AdjustmentColumn{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return accounting.AdjustmentColumn{}, fmt.Errorf("%w: column name required", accounting.ErrInvalidInput)
	}
	var column accounting.AdjustmentColumn
	wtb, err := s.editWTB(ctx, companyID, wtbID, func(wtb *accounting.WorkingTrialBalance) error {
		var maxID int64
		for _, existing := range wtb.Columns {
			maxID = max(maxID, existing.ID)
		}
		column = accounting.AdjustmentColumn{
			ID:       maxID + 1,
			Name:     name,
			Kind:     columnKind,
			Position: len(wtb.Columns) + 1,
			Amounts:  make(map[int64]decimal.Decimal),
		}
		wtb.Columns = append(wtb.Columns, column)
		return nil
	})
	if err != nil {
		return accounting.AdjustmentColumn{}, err
	}
	s.recordWTB(ctx, wtb, actorID, "wtb.add_column", map[string]any{"column_id": column.ID, "kind": string(column.Kind)})
	return column, nil
}

// RecordAdjustment sets the signed amount of one line in one column: positive
// is a debit, negative a credit. A zero amount clears the cell.
func (s *Service) RecordAdjustment(ctx context.Context, companyID, wtbID, accountID, columnID int64, amount decimal.Decimal, actorID int64) error {
	amount = s.money.Round(amount)
	wtb, err := s.editWTB(ctx, companyID, wtbID, func(wtb *accounting.WorkingTrialBalance) error {
		found := false
		for _, line := range wtb.Lines {
			if line.AccountID == accountID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: account %d", accounting.ErrLineNotFound, accountID)
		}
		for i := range wtb.Columns {
			if wtb.Columns[i].ID != columnID {
				continue
			}
			if amount.IsZero() {
				delete(wtb.Columns[i].Amounts, accountID)
			} else {
				wtb.Columns[i].Amounts[accountID] = amount
			}
			return nil
		}
		return fmt.Errorf("%w: column %d", accounting.ErrColumnNotFound, columnID)
	})
	if err != nil {
		return err
	}
	s.recordWTB(ctx, wtb, actorID, "wtb.adjust", map[string]any{
		"account_id": accountID,
		"column_id":  columnID,
		"amount":     s.money.Format(amount),
	})
	return nil
}

// LockWTB freezes a working trial balance. Adjusting and reclassification
// columns must net to zero.
func (s *Service) LockWTB(ctx context.Context, companyID, wtbID, actorID int64) (accounting.WorkingTrialBalance, error) {
	wtb, err := s.editWTB(ctx, companyID, wtbID, func(wtb *accounting.WorkingTrialBalance) error {
		for _, column := range wtb.Columns {
			if !column.Kind.Final() {
				continue
			}
			if net := column.Net(); !s.money.Equal(net, decimal.Zero) {
				return fmt.Errorf("%w: column %q nets to %s", accounting.ErrAdjustmentsUnbalanced, column.Name, s.money.Format(net))
			}
		}
		now := s.hooks.Clock()
		wtb.Status = accounting.WTBStatusLocked
		wtb.LockedAt = &now
		return nil
	})
	if err != nil {
		return accounting.WorkingTrialBalance{}, err
	}
	s.recordWTB(ctx, wtb, actorID, "wtb.lock", nil)
	return wtb, nil
}

// DeleteWTB removes a draft working trial balance.
func (s *Service) DeleteWTB(ctx context.Context, companyID, wtbID, actorID int64) error {
	var wtb accounting.WorkingTrialBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		wtb, err = tx.GetWTB(ctx, companyID, wtbID)
		if err != nil {
			return err
		}
		if wtb.Status != accounting.WTBStatusDraft {
			return accounting.ErrWTBLocked
		}
		return tx.DeleteWTB(ctx, companyID, wtbID)
	})
	if err != nil {
		return err
	}
	s.recordWTB(ctx, wtb, actorID, "wtb.delete", nil)
	return nil
}

// GetWTB returns a working trial balance with adjusted and proposed figures.
func (s *Service) GetWTB(ctx context.Context, companyID, wtbID int64) (WTBView, error) {
	var wtb accounting.WorkingTrialBalance
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		wtb, err = tx.GetWTB(ctx, companyID, wtbID)
		return err
	})
	if err != nil {
		return WTBView{}, err
	}
	return s.view(wtb), nil
}

// ListWTBs returns the company's working trial balances without line detail.
func (s *Service) ListWTBs(ctx context.Context, companyID int64) ([]accounting.WorkingTrialBalance, error) {
	var out []accounting.WorkingTrialBalance
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		out, err = tx.ListWTBs(ctx, companyID)
		return err
	})
	for i := range out {
		out[i].Lines = nil
	}
	return out, err
}

func (s *Service) view(wtb accounting.WorkingTrialBalance) WTBView {
	zero := s.money.Zero()
	out := WTBView{
		WorkingTrialBalance: wtb,
		Rows:                make([]WTBLineView, 0, len(wtb.Lines)),
		ColumnNet:           make([]decimal.Decimal, len(wtb.Columns)),
		TotalUnadjusted:     zero,
		TotalAdjusted:       zero,
		TotalProposed:       zero,
	}
	for i, column := range wtb.Columns {
		out.ColumnNet[i] = s.money.Round(column.Net())
	}
	for _, line := range wtb.Lines {
		row := WTBLineView{
			WTBLine:     line,
			Adjustments: make([]decimal.Decimal, len(wtb.Columns)),
			Adjusted:    line.Unadjusted,
		}
		for i, column := range wtb.Columns {
			amount, ok := column.Amounts[line.AccountID]
			if !ok {
				amount = zero
			}
			row.Adjustments[i] = amount
			if column.Kind.Final() {
				row.Adjusted = row.Adjusted.Add(amount)
			}
		}
		row.Proposed = row.Adjusted
		for i, column := range wtb.Columns {
			if !column.Kind.Final() {
				row.Proposed = row.Proposed.Add(row.Adjustments[i])
			}
		}
		out.TotalUnadjusted = out.TotalUnadjusted.Add(row.Unadjusted)
		out.TotalAdjusted = out.TotalAdjusted.Add(row.Adjusted)
		out.TotalProposed = out.TotalProposed.Add(row.Proposed)
		out.Rows = append(out.Rows, row)
	}
	return out
}

func (s *Service) editWTB(ctx context.Context, companyID, wtbID int64, edit func(*accounting.WorkingTrialBalance) error) (accounting.WorkingTrialBalance, error) {
	var wtb accounting.WorkingTrialBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		wtb, err = tx.GetWTB(ctx, companyID, wtbID)
		if err != nil {
			return err
		}
		if wtb.Status != accounting.WTBStatusDraft {
			return accounting.ErrWTBLocked
		}
		if err := edit(&wtb); err != nil {
			return err
		}
		return tx.UpdateWTB(ctx, wtb)
	})
	return wtb, err
}

func (s *Service) recordWTB(ctx context.Context, wtb accounting.WorkingTrialBalance, actorID int64, action string, meta map[string]any) {
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "working_trial_balance",
		EntityID: strconv.FormatInt(wtb.ID, 10),
		Meta:     meta,
	})
}
