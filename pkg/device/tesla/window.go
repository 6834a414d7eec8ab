package tesla

const windowSize = 32

// updateSlidingWindow takes the highest counter seen so far, the window of recently seen
// counters below it, and the counter of an incoming message. It returns the updated state and
// ok=true if newCounter has never been used before. On failure the state is returned unchanged.
func updateSlidingWindow(counter uint32, window uint64, newCounter uint32) (updatedCounter uint32, updatedWindow uint64, ok bool) {
	updatedCounter = counter
	updatedWindow = window

	if counter == newCounter {
		return
	}

	if newCounter < counter {
		// Out of order.
		age := counter - newCounter
		if age > windowSize {
			return
		}
		if window>>(age-1)&1 == 1 {
			return
		}
		ok = true
		updatedWindow |= 1 << (age - 1)
		return
	}

	ok = true
	updatedCounter = newCounter
	shiftCount := newCounter - counter
	updatedWindow <<= shiftCount
	// Bit shiftCount-1 corresponds to the previous counter. Shifts past 63 bits yield zero.
	updatedWindow |= uint64(1) << (shiftCount - 1)
	return
}

// SlidingWindow rejects replayed response counters.
type SlidingWindow struct {
	history uint64
	counter uint32
	used    bool
}

func (w *SlidingWindow) Update(counter uint32) bool {
	if !w.used {
		w.used = true
		w.counter = counter
		return true
	}
	var ok bool
	w.counter, w.history, ok = updateSlidingWindow(w.counter, w.history, counter)
	return ok
}

func (w *SlidingWindow) Reset() {
	*w = SlidingWindow{}
}
