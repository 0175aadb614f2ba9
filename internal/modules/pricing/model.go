// README: Fare schedule and fare breakdown definitions.
package pricing

import "sakay/internal/types"

type DiscountType string

const (
	DiscountNone   DiscountType = "none"
	DiscountSenior DiscountType = "senior"
	DiscountPWD    DiscountType = "pwd"
)

func (d DiscountType) Valid() bool {
	switch d {
	case DiscountNone, DiscountSenior, DiscountPWD:
		return true
	}
	return false
}

// Eligible reports whether the rider gets the statutory discount.
func (d DiscountType) Eligible() bool {
	return d == DiscountSenior || d == DiscountPWD
}

// Rate is the single fare schedule in minor units.
type Rate struct {
	BaseFare        int64
	PerKm           int64
	DiscountPercent int64
	Currency        string
}

var DefaultRate = Rate{
	BaseFare:        1500,
	PerKm:           500,
	DiscountPercent: 20,
	Currency:        types.DefaultCurrency,
}

type Breakdown struct {
	DistanceKm     float64      `json:"distance_km"`
	DiscountType   DiscountType `json:"discount_type"`
	Base           types.Money  `json:"base_fare"`
	DistanceCharge types.Money  `json:"distance_charge"`
	Subtotal       types.Money  `json:"subtotal"`
	Discount       types.Money  `json:"discount"`
	Final          types.Money  `json:"final_fare"`
}
