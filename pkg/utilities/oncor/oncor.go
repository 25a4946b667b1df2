package oncor

import (
	"time"

	"github.com/pickwatt/pickwatt/pkg/utilities"
)

func init() {
	utilities.Register(&Utility{})
}

type Utility struct{}

func (u *Utility) Slug() string {
	return "oncor"
}

func (u *Utility) Name() string {
	return "Oncor Electric Delivery Company"
}

func (u *Utility) TariffURL() string {
	return "https://www.oncor.com/content/oncorwww/us/en/home/about-us/rates-tariffs.html"
}

func (u *Utility) Tariffs() []utilities.Tariff {
	return []utilities.Tariff{
		{
			EffectiveDate:                utilities.Effective(2024, time.March, 1),
			PerKwhDeliveryChargeCents:    3.8937,
			MonthlyCustomerChargeDollars: 4.23,
		},
		{
			EffectiveDate:                utilities.Effective(2024, time.September, 1),
			PerKwhDeliveryChargeCents:    4.5188,
			MonthlyCustomerChargeDollars: 4.23,
		},
		{
			EffectiveDate:                utilities.Effective(2025, time.March, 1),
			PerKwhDeliveryChargeCents:    5.0631,
			MonthlyCustomerChargeDollars: 4.23,
		},
	}
}
