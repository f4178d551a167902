package reports

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// BalanceSheetAccount summarises an account for assets, liabilities, or equity.
type BalanceSheetAccount struct {
	Code    string
	Name    string
	Balance decimal.Decimal
}

// BalanceSheetSection contains the accounts and totals for a classification.
type BalanceSheetSection struct {
	Label    string
	Accounts []BalanceSheetAccount
	Total    decimal.Decimal
}

// BalanceSheet is the structured response for the balance sheet report.
// Liabilities and equity are shown credit-positive. CurrentEarnings is the
// unclosed result of revenue and expense accounts.
type BalanceSheet struct {
	Assets                    BalanceSheetSection
	Liabilities               BalanceSheetSection
	Equity                    BalanceSheetSection
	CurrentEarnings           decimal.Decimal
	TotalLiabilitiesAndEquity decimal.Decimal
}

// BuildBalanceSheet aggregates balances into assets, liabilities, and equity sections.
func BuildBalanceSheet(money accounting.Money, accounts []AccountBalance) BalanceSheet {
	zero := money.Zero()
	assets := BalanceSheetSection{Label: "Assets", Total: zero}
	liabilities := BalanceSheetSection{Label: "Liabilities", Total: zero}
	equity := BalanceSheetSection{Label: "Equity", Total: zero}
	earnings := zero

	for _, acc := range accounts {
		balance := money.Round(acc.Closing())
		switch acc.Type {
		case accounting.AccountTypeAsset:
			assets.Accounts = append(assets.Accounts, BalanceSheetAccount{Code: acc.Code, Name: acc.Name, Balance: balance})
			assets.Total = assets.Total.Add(balance)
		case accounting.AccountTypeLiability:
			liabilities.Accounts = append(liabilities.Accounts, BalanceSheetAccount{Code: acc.Code, Name: acc.Name, Balance: balance.Neg()})
			liabilities.Total = liabilities.Total.Sub(balance)
		case accounting.AccountTypeEquity:
			equity.Accounts = append(equity.Accounts, BalanceSheetAccount{Code: acc.Code, Name: acc.Name, Balance: balance.Neg()})
			equity.Total = equity.Total.Sub(balance)
		case accounting.AccountTypeRevenue, accounting.AccountTypeExpense:
			earnings = earnings.Sub(balance)
		}
	}

	sort.Slice(assets.Accounts, func(i, j int) bool { return assets.Accounts[i].Code < assets.Accounts[j].Code })
	sort.Slice(liabilities.Accounts, func(i, j int) bool { return liabilities.Accounts[i].Code < liabilities.Accounts[j].Code })
	sort.Slice(equity.Accounts, func(i, j int) bool { return equity.Accounts[i].Code < equity.Accounts[j].Code })

	return BalanceSheet{
		Assets:                    assets,
		Liabilities:               liabilities,
		Equity:                    equity,
		CurrentEarnings:           earnings,
		TotalLiabilitiesAndEquity: liabilities.Total.Add(equity.Total).Add(earnings),
	}
}
