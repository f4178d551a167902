package journals

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// LineInput describes a journal line for a posting request. Exactly one of
// Debit and Credit is non-zero.
type LineInput struct {
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Memo      string
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	CompanyID int64 `validate:"required"`
	Date      time.Time
	Source    accounting.JournalSource
	SourceID  uuid.UUID
	Memo      string `validate:"max=512"`
	PostedBy  int64
	Lines     []LineInput
}

// Normalise rounds amounts to the ledger precision and defaults the source.
func (in PostingInput) Normalise(money accounting.Money) PostingInput {
	if in.Source == "" {
		in.Source = accounting.JournalSourceManual
	}
	in.Date = accounting.DateOnly(in.Date)
	lines := make([]LineInput, len(in.Lines))
	for i, line := range in.Lines {
		line.Debit = money.Round(line.Debit)
		line.Credit = money.Round(line.Credit)
		lines[i] = line
	}
	in.Lines = lines
	return in
}

// ValidateLines checks the shape of every line without requiring balance.
func (in PostingInput) ValidateLines() error {
	if err := accounting.ValidateStruct(in); err != nil {
		return err
	}
	if in.Date.IsZero() {
		return fmt.Errorf("%w: date required", accounting.ErrInvalidInput)
	}
	if !in.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", accounting.ErrInvalidInput, in.Source)
	}
	for idx, line := range in.Lines {
		if line.AccountID == 0 {
			return fmt.Errorf("%w: line %d missing account", accounting.ErrInvalidLine, idx+1)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", accounting.ErrInvalidLine, idx+1)
		}
		if !line.Debit.IsZero() && !line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d cannot be both debit and credit", accounting.ErrInvalidLine, idx+1)
		}
		if line.Debit.IsZero() && line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d has no amount", accounting.ErrInvalidLine, idx+1)
		}
	}
	return nil
}

// Validate ensures posting input is complete and balanced at the ledger precision.
func (in PostingInput) Validate(money accounting.Money) error {
	if len(in.Lines) < 2 {
		return accounting.ErrTooFewLines
	}
	if err := in.ValidateLines(); err != nil {
		return err
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range in.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !money.Equal(debit, credit) {
		return fmt.Errorf("%w: debit %s credit %s", accounting.ErrUnbalanced, money.Format(debit), money.Format(credit))
	}
	return nil
}

// FromEntry rebuilds a posting request from a stored entry.
func FromEntry(entry accounting.JournalEntry) PostingInput {
	lines := make([]LineInput, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		lines = append(lines, LineInput{AccountID: line.AccountID, Debit: line.Debit, Credit: line.Credit, Memo: line.Memo})
	}
	return PostingInput{
		CompanyID: entry.CompanyID,
		Date:      entry.Date,
		Source:    entry.Source,
		SourceID:  entry.SourceID,
		Memo:      entry.Memo,
		PostedBy:  entry.CreatedBy,
		Lines:     lines,
	}
}

// Swap returns the lines with debit and credit exchanged.
func Swap(lines []accounting.JournalLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineInput{AccountID: line.AccountID, Debit: line.Credit, Credit: line.Debit, Memo: line.Memo})
	}
	return out
}
