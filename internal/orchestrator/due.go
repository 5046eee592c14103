package orchestrator

import (
	"time"

	"github.com/sells-group/stagegate/internal/model"
)

// Due reports whether src should be scraped at now. A source never scraped
// is always due; otherwise the whole days since LastScraped must reach the
// frequency's interval.
func Due(src model.DataSource, now time.Time) bool {
	if src.LastScraped == nil {
		return true
	}
	days := int(now.Sub(*src.LastScraped).Hours() / 24)
	return days >= src.Frequency.IntervalDays()
}

// DueSources filters sources to those due at now. force returns them all.
func DueSources(sources []model.DataSource, now time.Time, force bool) []model.DataSource {
	if force {
		return sources
	}
	var due []model.DataSource
	for _, src := range sources {
		if Due(src, now) {
			due = append(due, src)
		}
	}
	return due
}
