// Package period реализует вычисление границ периодов повторяемости предложений.
package period

import (
	"fmt"
	"time"

	"github.com/nasos1212/woofyapp-sub000/internal/model"
)

// Start возвращает начало текущего периода для указанной повторяемости.
// Для one_time и unlimited период не определён — возвращается нулевое время.
// Неделя начинается с понедельника, месяц — с первого числа.
func Start(frequency model.OfferFrequency, now time.Time) time.Time {
	switch frequency {
	case model.FrequencyDaily:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case model.FrequencyWeekly:
		y, m, d := now.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case model.FrequencyMonthly:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}

// Key возвращает строковый ключ текущего периода для уникального индекса журнала.
// Для one_time ключ постоянный, для unlimited вызывающая сторона обязана
// подставить собственный уникальный ключ.
func Key(frequency model.OfferFrequency, now time.Time) string {
	switch frequency {
	case model.FrequencyOneTime:
		return "ever"
	case model.FrequencyDaily:
		return Start(frequency, now).Format("2006-01-02")
	case model.FrequencyWeekly:
		y, w := Start(frequency, now).ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case model.FrequencyMonthly:
		return Start(frequency, now).Format("2006-01")
	default:
		return ""
	}
}
