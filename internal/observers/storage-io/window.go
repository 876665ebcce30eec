package storageio

// stuckReadingLimit is how many equal non-zero readings are trusted in a row.
// iostat repeats the last value of a device that stopped doing I/O.
const stuckReadingLimit = 5

// RollingWindow is a fixed-capacity moving average. It starts filled with zeros,
// so the average ramps up over the first capacity updates.
type RollingWindow struct {
	buf  []float64
	next int
	sum  float64
	avg  float64

	last          float64
	streak        int
	stuckOverride bool
}

// NewRollingWindow creates a window holding capacity values
func NewRollingWindow(capacity int, stuckOverride bool) *RollingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingWindow{
		buf:           make([]float64, capacity),
		stuckOverride: stuckOverride,
	}
}

// Update pushes a reading, evicting the oldest. clip > 0 caps the reading.
func (w *RollingWindow) Update(value, clip float64) {
	if w.stuckOverride {
		switch {
		case value == 0:
			w.streak = 0
		case value == w.last:
			w.streak++
		default:
			w.streak = 1
		}
	}
	w.last = value

	if w.stuckOverride && w.streak > stuckReadingLimit {
		value = 0
	} else if clip > 0 && value > clip {
		value = clip
	}

	evicted := w.buf[w.next]
	w.buf[w.next] = value
	w.next = (w.next + 1) % len(w.buf)

	w.sum += value - evicted
	w.avg = w.sum / float64(len(w.buf))
	if w.avg < 0 {
		w.avg = 0
	}
}

// Average returns the moving average, never negative
func (w *RollingWindow) Average() float64 {
	return w.avg
}

// Latest returns the last raw reading before clipping or stuck suppression
func (w *RollingWindow) Latest() float64 {
	return w.last
}

// Capacity returns the number of readings averaged
func (w *RollingWindow) Capacity() int {
	return len(w.buf)
}

// Sum returns the running total of buffered values
func (w *RollingWindow) Sum() float64 {
	return w.sum
}
