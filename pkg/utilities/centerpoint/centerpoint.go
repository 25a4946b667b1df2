package centerpoint

import (
	"time"

	"github.com/pickwatt/pickwatt/pkg/utilities"
)

func init() {
	utilities.Register(&Utility{})
}

type Utility struct{}

func (u *Utility) Slug() string {
	return "centerpoint"
}

func (u *Utility) Name() string {
	return "CenterPoint Energy Houston Electric"
}

func (u *Utility) TariffURL() string {
	return "https://www.centerpointenergy.com/en-us/corporate/about-us/regulatory-filings"
}

func (u *Utility) Tariffs() []utilities.Tariff {
	return []utilities.Tariff{
		{
			EffectiveDate:                utilities.Effective(2024, time.March, 1),
			PerKwhDeliveryChargeCents:    4.3886,
			MonthlyCustomerChargeDollars: 4.39,
		},
		{
			EffectiveDate:                utilities.Effective(2024, time.September, 1),
			PerKwhDeliveryChargeCents:    4.8391,
			MonthlyCustomerChargeDollars: 4.39,
		},
		{
			EffectiveDate:                utilities.Effective(2025, time.March, 1),
			PerKwhDeliveryChargeCents:    5.2731,
			MonthlyCustomerChargeDollars: 4.39,
		},
	}
}
