package models

import "github.com/shopspring/decimal"

// ItemSnapshot is what the menu says about an item at the moment it is ordered.
type ItemSnapshot struct {
	MenuItemID string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	ItemCode   string          `json:"itemCode" yaml:"item_code"`
	UnitPrice  decimal.Decimal `json:"unitPrice" yaml:"-"`
	Available  bool            `json:"available" yaml:"available"`
}
