package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Amount decimal.Decimal
}

// MonthOverview is a compact summary for a specific year+month.
type MonthOverview struct {
	Year       int
	Month      int // 1-12
	Income     decimal.Decimal
	Expense    decimal.Decimal // positive total of expenses
	Net        decimal.Decimal
	ByCategory []CategoryAmount // expenses only, largest first
}

// Summarize aggregates the transactions dated in year/month (UTC). Deleted
// records are ignored.
func Summarize(txns []Transaction, year, month int) MonthOverview {
	ov := MonthOverview{Year: year, Month: month}
	byCat := make(map[string]decimal.Decimal)

	for _, t := range txns {
		if t.Deleted {
			continue
		}
		d := t.Date.UTC()
		if d.Year() != year || d.Month() != time.Month(month) {
			continue
		}
		switch t.Type {
		case Income:
			ov.Income = ov.Income.Add(t.Amount.Abs())
		case Expense:
			amt := t.Amount.Abs()
			ov.Expense = ov.Expense.Add(amt)
			byCat[t.Category] = byCat[t.Category].Add(amt)
		}
	}
	ov.Net = ov.Income.Sub(ov.Expense)

	for name, amt := range byCat {
		ov.ByCategory = append(ov.ByCategory, CategoryAmount{Name: name, Amount: amt})
	}
	sort.Slice(ov.ByCategory, func(i, j int) bool {
		a, b := ov.ByCategory[i], ov.ByCategory[j]
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c > 0
		}
		return a.Name < b.Name
	})
	return ov
}
