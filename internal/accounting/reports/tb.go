package reports

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// AccountBalance models a general ledger account with aggregated balances.
type AccountBalance struct {
	AccountID  int64
	Code       string
	Name       string
	Type       accounting.AccountType
	NormalSide accounting.NormalSide
	Opening    decimal.Decimal
	Debit      decimal.Decimal
	Credit     decimal.Decimal
}

// Closing computes the debit-positive closing balance for the account.
func (a AccountBalance) Closing() decimal.Decimal {
	return a.Opening.Add(a.Debit).Sub(a.Credit)
}

// GroupKey returns the leading code segment, or the first two characters of
// an unsegmented code.
func (a AccountBalance) GroupKey() string {
	if idx := strings.Index(a.Code, "-"); idx > 0 {
		return a.Code[:idx]
	}
	if len(a.Code) >= 2 {
		return a.Code[:2]
	}
	return a.Code
}

// TrialBalanceAccount represents a row inside a trial balance group. The
// closing balance is split into BalanceDebit and BalanceCredit columns.
type TrialBalanceAccount struct {
	AccountID     int64
	Code          string
	Name          string
	Type          accounting.AccountType
	Opening       decimal.Decimal
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	Closing       decimal.Decimal
	BalanceDebit  decimal.Decimal
	BalanceCredit decimal.Decimal
}

// TrialBalanceGroup aggregates accounts for presentation.
type TrialBalanceGroup struct {
	Key           string
	Label         string
	Accounts      []TrialBalanceAccount
	Opening       decimal.Decimal
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	Closing       decimal.Decimal
	BalanceDebit  decimal.Decimal
	BalanceCredit decimal.Decimal
}

func (g *TrialBalanceGroup) add(row TrialBalanceAccount) {
	g.Accounts = append(g.Accounts, row)
	g.Opening = g.Opening.Add(row.Opening)
	g.Debit = g.Debit.Add(row.Debit)
	g.Credit = g.Credit.Add(row.Credit)
	g.Closing = g.Closing.Add(row.Closing)
	g.BalanceDebit = g.BalanceDebit.Add(row.BalanceDebit)
	g.BalanceCredit = g.BalanceCredit.Add(row.BalanceCredit)
}

// TrialBalance is the final structure rendered by callers.
type TrialBalance struct {
	CompanyID          int64
	AsOf               time.Time
	GroupBy            GroupBy
	Groups             []TrialBalanceGroup
	TotalOpening       decimal.Decimal
	TotalDebit         decimal.Decimal
	TotalCredit        decimal.Decimal
	TotalClosing       decimal.Decimal
	TotalBalanceDebit  decimal.Decimal
	TotalBalanceCredit decimal.Decimal
	Balanced           bool
}

// Rows flattens the groups in presentation order.
func (tb TrialBalance) Rows() []TrialBalanceAccount {
	var out []TrialBalanceAccount
	for _, group := range tb.Groups {
		out = append(out, group.Accounts...)
	}
	return out
}

// Grouper assigns an account to a presentation group.
type Grouper func(AccountBalance) (key, label string)

// ByCodePrefix groups by GroupKey.
func ByCodePrefix(a AccountBalance) (string, string) {
	key := a.GroupKey()
	return key, key
}

// BuildTrialBalance converts account balances into grouped trial balance
// data. Groups are ordered by key and accounts by code within a group.
func BuildTrialBalance(money accounting.Money, accounts []AccountBalance, grouper Grouper) TrialBalance {
	if grouper == nil {
		grouper = ByCodePrefix
	}
	zero := money.Zero()
	groups := make(map[string]*TrialBalanceGroup)
	keys := make([]string, 0)
	for _, acc := range accounts {
		key, label := grouper(acc)
		grp, ok := groups[key]
		if !ok {
			grp = &TrialBalanceGroup{
				Key: key, Label: label,
				Opening: zero, Debit: zero, Credit: zero, Closing: zero,
				BalanceDebit: zero, BalanceCredit: zero,
			}
			groups[key] = grp
			keys = append(keys, key)
		}
		closing := money.Round(acc.Closing())
		row := TrialBalanceAccount{
			AccountID:     acc.AccountID,
			Code:          acc.Code,
			Name:          acc.Name,
			Type:          acc.Type,
			Opening:       money.Round(acc.Opening),
			Debit:         money.Round(acc.Debit),
			Credit:        money.Round(acc.Credit),
			Closing:       closing,
			BalanceDebit:  zero,
			BalanceCredit: zero,
		}
		if closing.IsPositive() {
			row.BalanceDebit = closing
		} else if closing.IsNegative() {
			row.BalanceCredit = closing.Neg()
		}
		grp.add(row)
	}

	sort.Strings(keys)
	result := TrialBalance{
		TotalOpening: zero, TotalDebit: zero, TotalCredit: zero, TotalClosing: zero,
		TotalBalanceDebit: zero, TotalBalanceCredit: zero,
	}
	for _, key := range keys {
		grp := groups[key]
		sort.Slice(grp.Accounts, func(i, j int) bool {
			return grp.Accounts[i].Code < grp.Accounts[j].Code
		})
		result.Groups = append(result.Groups, *grp)
		result.TotalOpening = result.TotalOpening.Add(grp.Opening)
		result.TotalDebit = result.TotalDebit.Add(grp.Debit)
		result.TotalCredit = result.TotalCredit.Add(grp.Credit)
		result.TotalClosing = result.TotalClosing.Add(grp.Closing)
		result.TotalBalanceDebit = result.TotalBalanceDebit.Add(grp.BalanceDebit)
		result.TotalBalanceCredit = result.TotalBalanceCredit.Add(grp.BalanceCredit)
	}
	result.Balanced = money.Equal(result.TotalDebit, result.TotalCredit) &&
		money.Equal(result.TotalBalanceDebit, result.TotalBalanceCredit)
	return result
}
