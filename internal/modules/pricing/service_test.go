package pricing

import (
	"context"
	"math"
	"testing"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name         string
		distanceKm   float64
		discount     DiscountType
		wantSubtotal int64
		wantDiscount int64
		wantFinal    int64
	}{
		{
			name:         "3km no discount",
			distanceKm:   3,
			discount:     DiscountNone,
			wantSubtotal: 3000,
			wantDiscount: 0,
			wantFinal:    3000,
		},
		{
			name:         "3km senior",
			distanceKm:   3,
			discount:     DiscountSenior,
			wantSubtotal: 3000,
			wantDiscount: 600,
			wantFinal:    2400,
		},
		{
			name:         "0.1km senior floored to base",
			distanceKm:   0.1,
			discount:     DiscountSenior,
			wantSubtotal: 1550,
			wantDiscount: 310,
			wantFinal:    1500,
		},
		{
			name:         "zero distance pwd",
			distanceKm:   0,
			discount:     DiscountPWD,
			wantSubtotal: 1500,
			wantDiscount: 300,
			wantFinal:    1500,
		},
		{
			name:         "half centavo rounds up",
			distanceKm:   2.675,
			discount:     DiscountNone,
			wantSubtotal: 1500 + 1338,
			wantDiscount: 0,
			wantFinal:    2838,
		},
		{
			name:         "unknown discount priced as none",
			distanceKm:   1,
			discount:     DiscountType("student"),
			wantSubtotal: 2000,
			wantDiscount: 0,
			wantFinal:    2000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(DefaultRate, tt.distanceKm, tt.discount)
			if got.Base.Amount != 1500 {
				t.Errorf("base = %s, want 15.00", got.Base)
			}
			if got.Subtotal.Amount != tt.wantSubtotal {
				t.Errorf("subtotal = %s, want %d", got.Subtotal, tt.wantSubtotal)
			}
			if got.Discount.Amount != tt.wantDiscount {
				t.Errorf("discount = %s, want %d", got.Discount, tt.wantDiscount)
			}
			if got.Final.Amount != tt.wantFinal {
				t.Errorf("final = %s, want %d", got.Final, tt.wantFinal)
			}
		})
	}
}

func TestCalculate_FloorAndMonotonic(t *testing.T) {
	for _, d := range []DiscountType{DiscountNone, DiscountSenior, DiscountPWD} {
		prev := int64(math.MinInt64)
		for i := 0; i <= 3000; i++ {
			km := float64(i) / 100
			got := Calculate(DefaultRate, km, d)
			if got.Final.Amount < got.Base.Amount {
				t.Fatalf("%s %.2fkm: final %s below base %s", d, km, got.Final, got.Base)
			}
			if got.Final.Amount < prev {
				t.Fatalf("%s %.2fkm: final %s decreased from %d", d, km, got.Final, prev)
			}
			prev = got.Final.Amount
		}
	}
}

func TestService_EstimateRejectsBadDistance(t *testing.T) {
	svc := NewService(DefaultRate)
	for _, km := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := svc.Estimate(context.Background(), km, DiscountNone); err != ErrInvalidDistance {
			t.Errorf("Estimate(%v) err = %v, want ErrInvalidDistance", km, err)
		}
	}
	got, err := svc.Estimate(context.Background(), 3, DiscountSenior)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got.Final.String() != "24.00" {
		t.Fatalf("final = %s, want 24.00", got.Final)
	}
}
