package writer

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
)

type numeric = pgtype.Numeric

// toNumeric converts an optional decimal to a NUMERIC parameter, NULL when absent.
func toNumeric(o optional.Option[decimal.Decimal]) numeric {
	if o.IsNone() {
		return numeric{}
	}
	d := o.Unwrap()
	return numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
