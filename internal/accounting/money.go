package accounting

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// DefaultPrecision is the number of decimal places amounts are kept at.
const DefaultPrecision int32 = 2

// Money normalises amounts to a fixed number of decimal places.
type Money struct {
	Precision int32
}

// NewMoney returns a Money for precision, falling back to DefaultPrecision.
func NewMoney(precision int32) Money {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return Money{Precision: precision}
}

// Round normalises d to the configured precision.
func (m Money) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(m.Precision)
}

// Equal compares two amounts at the configured precision.
func (m Money) Equal(a, b decimal.Decimal) bool {
	return m.Round(a).Equal(m.Round(b))
}

// Zero returns zero at the configured precision.
func (m Money) Zero() decimal.Decimal {
	return decimal.Zero.Round(m.Precision)
}

// Format renders d with exactly the configured number of decimals.
func (m Money) Format(d decimal.Decimal) string {
	return d.StringFixed(m.Precision)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// ValidateStruct applies struct tag validation, reporting failures as ErrInvalidInput.
func ValidateStruct(v any) error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return Internal(err)
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
}
