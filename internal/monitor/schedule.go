// Package monitor generates the randomized check schedule used to
// verify that a paid post stays live for its full duration. The poster
// must not be able to predict check times, so every band gets one
// uniformly random instant; only the final fund-release check is
// deterministic.
package monitor

import (
	"math/rand"
	"time"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
)

// Each band covers at most this many hours; longer durations get more
// random checks.
const bandHours = 3

// GenerateSchedule returns ceil(durationHours/3)+1 check times within
// [postedAt, postedAt+duration], strictly increasing. The duration is
// split into equal bands with one random check each (a small edge
// buffer keeps picks away from band boundaries so consecutive checks
// never cluster), and the last entry is always exactly
// postedAt+duration -- that one triggers the release.
func GenerateSchedule(postedAt time.Time, durationHours int) []*common.ScheduledCheck {
	if durationHours < 1 {
		durationHours = 1
	}

	bands := (durationHours + bandHours - 1) / bandHours
	duration := time.Duration(durationHours) * time.Hour
	bandLen := duration / time.Duration(bands)

	// 5% of the band on each edge, so a pick at the very end of band
	// N and the very start of band N+1 can't land seconds apart
	buffer := bandLen / 20

	checks := make([]*common.ScheduledCheck, 0, bands+1)
	for i := 0; i < bands; i++ {
		bandStart := postedAt.Add(time.Duration(i) * bandLen)
		window := bandLen - 2*buffer
		offset := buffer + time.Duration(rand.Int63n(int64(window)))
		checks = append(checks, &common.ScheduledCheck{
			Time: bandStart.Add(offset).Unix(),
		})
	}

	checks = append(checks, &common.ScheduledCheck{
		Time: postedAt.Add(duration).Unix(),
	})

	return checks
}
