package contextmon

import (
	"time"

	"github.com/hyperengineering/citytailor/internal/types"
)

// TimeOfDayForHour buckets an hour of the day:
// morning 06-11, afternoon 12-16, evening 17-20, night 21-05.
func TimeOfDayForHour(hour int) types.TimeOfDay {
	switch {
	case hour >= 6 && hour < 12:
		return types.Morning
	case hour >= 12 && hour < 17:
		return types.Afternoon
	case hour >= 17 && hour < 21:
		return types.Evening
	default:
		return types.Night
	}
}

// SeasonForMonth maps a calendar month to its northern-hemisphere season:
// March-May spring, June-August summer, September-November autumn, else winter.
func SeasonForMonth(m time.Month) types.Season {
	switch m {
	case time.March, time.April, time.May:
		return types.Spring
	case time.June, time.July, time.August:
		return types.Summer
	case time.September, time.October, time.November:
		return types.Autumn
	default:
		return types.Winter
	}
}

// IsWeekend reports whether d is Saturday or Sunday.
func IsWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
