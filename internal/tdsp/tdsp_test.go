package tdsp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/pkg/utilities"

	_ "github.com/pickwatt/pickwatt/pkg/utilities/centerpoint"
	_ "github.com/pickwatt/pickwatt/pkg/utilities/oncor"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"oncor", "oncor"},
		{"Oncor Electric Delivery Company", "oncor"},
		{"CenterPoint Energy Houston Electric, LLC", "centerpoint"},
		{"CNP", "centerpoint"},
		{"AEP Texas Central", "aepcentral"},
		{"AEP TEXAS NORTH COMPANY", "aepnorth"},
		{"Texas-New Mexico Power", "tnmp"},
		{"TNMP", "tnmp"},
		{"Lubbock Power & Light", "lubbockpower&light"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFromRegistry(t *testing.T) {
	fn := FromRegistry()

	rates, err := fn(context.Background(), "Oncor Electric Delivery Company", time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("lookup oncor: %v", err)
	}
	if rates.PerKwhDeliveryChargeCents != 5.0631 || rates.MonthlyCustomerChargeDollars != 4.23 {
		t.Errorf("oncor rates = %+v", rates)
	}
	if want := utilities.Effective(2025, time.March, 1); !rates.EffectiveDate.Equal(want) {
		t.Errorf("EffectiveDate = %v, want %v", rates.EffectiveDate, want)
	}

	_, err = fn(context.Background(), "Lubbock Power & Light", time.Now())
	if !errors.Is(err, utilities.ErrUtilityNotFound) {
		t.Errorf("err = %v, want ErrUtilityNotFound", err)
	}
}

func TestMemoized(t *testing.T) {
	calls := 0
	fn := Memoized(func(_ context.Context, slug string, _ time.Time) (*plan.TdspRates, error) {
		calls++
		if slug == "down" {
			return nil, errors.New("lookup down")
		}
		return &plan.TdspRates{PerKwhDeliveryChargeCents: 4.0}, nil
	})

	asOf := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := fn(context.Background(), "oncor", asOf); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for repeated same-month lookups", calls)
	}

	// A different as-of month misses the memo.
	if _, err := fn(context.Background(), "oncor", asOf.AddDate(0, 1, 0)); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 after new month", calls)
	}

	// Failures are memoized too; one job asks once.
	for i := 0; i < 2; i++ {
		if _, err := fn(context.Background(), "down", asOf); err == nil {
			t.Fatal("lookup for down slug succeeded")
		}
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 with memoized failure", calls)
	}
}
