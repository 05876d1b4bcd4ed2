package planner

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/filbeam/spprobe/pkg/types"
)

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// stagger derives a deterministic offset in [0, intervalSec) from the
// provider identity so SP-keyed jobs spread across the interval instead
// of firing together
func stagger(family types.JobFamily, address string, intervalSec int) int {
	if intervalSec <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(address))
	h.Write([]byte(family))
	return int(h.Sum32()) % intervalSec
}

// cronFor renders a seconds-field cron expression firing every
// intervalSec with the given offset into the interval. Intervals that do
// not align to the cron grid fall back to @every without stagger.
func cronFor(intervalSec, offsetSec int) string {
	s := offsetSec % 60
	m := (offsetSec / 60) % 60
	switch {
	case intervalSec%3600 == 0 && intervalSec <= 24*3600:
		return fmt.Sprintf("%d %d */%d * * *", s, m, intervalSec/3600)
	case intervalSec%60 == 0 && 3600%intervalSec == 0:
		step := intervalSec / 60
		return fmt.Sprintf("%d %d/%d * * * *", s, m%step, step)
	default:
		return fmt.Sprintf("@every %ds", intervalSec)
	}
}

// nextRun evaluates a cron expression against now
func nextRun(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

// inMaintenanceWindow reports whether now (UTC) falls inside any of the
// configured windows. Windows are "HH:MM" starts with a shared duration
// and may span midnight.
func inMaintenanceWindow(now time.Time, windows []string, durationMin int) (string, bool) {
	if durationMin <= 0 {
		return "", false
	}
	utc := now.UTC()
	nowMin := utc.Hour()*60 + utc.Minute()
	for _, w := range windows {
		t, err := time.Parse("15:04", w)
		if err != nil {
			continue
		}
		start := t.Hour()*60 + t.Minute()
		end := start + durationMin
		if end <= 24*60 {
			if nowMin >= start && nowMin < end {
				return w, true
			}
		} else {
			// Spans midnight.
			if nowMin >= start || nowMin < end-24*60 {
				return w, true
			}
		}
	}
	return "", false
}
