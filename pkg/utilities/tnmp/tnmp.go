package tnmp

import (
	"time"

	"github.com/pickwatt/pickwatt/pkg/utilities"
)

func init() {
	utilities.Register(&Utility{})
}

type Utility struct{}

func (u *Utility) Slug() string {
	return "tnmp"
}

func (u *Utility) Name() string {
	return "Texas-New Mexico Power Company"
}

func (u *Utility) TariffURL() string {
	return "https://tnmp.com/customers/rates-tariffs"
}

func (u *Utility) Tariffs() []utilities.Tariff {
	return []utilities.Tariff{
		{
			EffectiveDate:                utilities.Effective(2024, time.March, 1),
			PerKwhDeliveryChargeCents:    5.1742,
			MonthlyCustomerChargeDollars: 7.85,
		},
		{
			EffectiveDate:                utilities.Effective(2024, time.September, 1),
			PerKwhDeliveryChargeCents:    5.6312,
			MonthlyCustomerChargeDollars: 7.85,
		},
		{
			EffectiveDate:                utilities.Effective(2025, time.March, 1),
			PerKwhDeliveryChargeCents:    6.0191,
			MonthlyCustomerChargeDollars: 7.85,
		},
	}
}
