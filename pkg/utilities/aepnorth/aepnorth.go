package aepnorth

import (
	"time"

	"github.com/pickwatt/pickwatt/pkg/utilities"
)

func init() {
	utilities.Register(&Utility{})
}

type Utility struct{}

func (u *Utility) Slug() string {
	return "aepnorth"
}

func (u *Utility) Name() string {
	return "AEP Texas North Company"
}

func (u *Utility) TariffURL() string {
	return "https://www.aeptexas.com/business/builders/distribution/"
}

func (u *Utility) Tariffs() []utilities.Tariff {
	return []utilities.Tariff{
		{
			EffectiveDate:                utilities.Effective(2024, time.March, 1),
			PerKwhDeliveryChargeCents:    4.4861,
			MonthlyCustomerChargeDollars: 5.88,
		},
		{
			EffectiveDate:                utilities.Effective(2024, time.September, 1),
			PerKwhDeliveryChargeCents:    4.8754,
			MonthlyCustomerChargeDollars: 5.88,
		},
		{
			EffectiveDate:                utilities.Effective(2025, time.March, 1),
			PerKwhDeliveryChargeCents:    5.1246,
			MonthlyCustomerChargeDollars: 5.88,
		},
	}
}
