// Package media cuts audio and video files into temporal windows.
package media

import (
	"math"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// minTail is the shortest trailing window kept on its own; shorter tails
// are folded into the previous window.
const minTail = 5.0

// Plan splits total seconds into consecutive windows of segment length.
// An unknown duration (total <= 0) yields one open window with End 0,
// meaning "to the end of the file".
func Plan(total float64, segment time.Duration) []core.Window {
	seg := segment.Seconds()
	if total <= 0 || seg <= 0 {
		return []core.Window{{Index: 0, Start: 0, End: math.Max(total, 0)}}
	}

	n := int(math.Ceil(total / seg))
	if n > 1 && total-float64(n-1)*seg < minTail {
		n--
	}
	out := make([]core.Window, n)
	for i := range out {
		out[i] = core.Window{
			Index: i,
			Start: float64(i) * seg,
			End:   math.Min(float64(i+1)*seg, total),
		}
	}
	out[n-1].End = total
	return out
}
