package knowledge

import (
	"math"
	"time"

	"github.com/fourvalet/valet/internal/domain"
)

// applySM2 advances a note's spaced-repetition state given a review quality
// in [0,5], per spec.md §4.3's SM-2 algorithm.
func applySM2(prev domain.ReviewMeta, quality int, now time.Time) domain.ReviewMeta {
	if quality < 0 {
		quality = 0
	}
	if quality > 5 {
		quality = 5
	}

	ef := prev.Easiness + 0.1 - float64(5-quality)*(0.08+float64(5-quality)*0.02)
	if ef < 1.3 {
		ef = 1.3
	}

	next := prev
	next.Easiness = ef

	switch {
	case quality < 3:
		next.IntervalD = 1
		next.Repetition = 0
	case prev.Repetition == 0:
		next.IntervalD = 1
		next.Repetition = 1
	case prev.Repetition == 1:
		next.IntervalD = 6
		next.Repetition = 2
	default:
		next.IntervalD = int(math.Round(float64(prev.IntervalD) * ef))
		next.Repetition = prev.Repetition + 1
	}

	nextReview := now.Add(time.Duration(next.IntervalD) * 24 * time.Hour)
	next.NextReview = &nextReview
	return next
}
