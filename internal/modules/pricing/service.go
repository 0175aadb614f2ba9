// README: Pricing service computes fare estimates and final fares.
package pricing

import (
	"context"
	"errors"
	"math"

	"sakay/internal/types"
)

var ErrInvalidDistance = errors.New("distance must be a finite non-negative number")

type Service struct {
	rate Rate
}

func NewService(rate Rate) *Service {
	if rate.Currency == "" {
		rate.Currency = types.DefaultCurrency
	}
	return &Service{rate: rate}
}

func (s *Service) Rate() Rate { return s.rate }

// Estimate prices a trip. It is used for the provisional fare at creation and for the final fare at completion.
func (s *Service) Estimate(_ context.Context, distanceKm float64, discount DiscountType) (Breakdown, error) {
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return Breakdown{}, ErrInvalidDistance
	}
	return Calculate(s.rate, distanceKm, discount), nil
}

// Calculate is the fare function: base + distance charge, minus the discount, floored at the base fare.
// Callers pass a validated non-negative distance; unknown discount types price as none.
func Calculate(rate Rate, distanceKm float64, discount DiscountType) Breakdown {
	if !discount.Valid() {
		discount = DiscountNone
	}
	money := func(n int64) types.Money { return types.Money{Amount: n, Currency: rate.Currency} }

	base := money(rate.BaseFare)
	distanceCharge := money(types.RoundHalfUp(distanceKm * float64(rate.PerKm)))
	subtotal := base.Add(distanceCharge)

	disc := money(0)
	if discount.Eligible() {
		disc = subtotal.Percent(rate.DiscountPercent)
	}
	final := subtotal.Sub(disc).Max(base)

	return Breakdown{
		DistanceKm:     distanceKm,
		DiscountType:   discount,
		Base:           base,
		DistanceCharge: distanceCharge,
		Subtotal:       subtotal,
		Discount:       disc,
		Final:          final,
	}
}
