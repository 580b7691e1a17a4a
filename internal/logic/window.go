package logic

// Window is a fixed-capacity FIFO of samples. When full, pushing a sample
// drops the oldest one. Eviction is purely count-based.
// Not safe for concurrent use.
type Window struct {
	buf   []float64
	head  int // next write position
	count int
}

// NewWindow creates a window holding at most capacity samples.
// A capacity below 1 is treated as 1.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample if the window is full.
func (w *Window) Push(v float64) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// Sum recomputes the sum of the current contents.
func (w *Window) Sum() float64 {
	var sum float64
	start := (w.head - w.count + len(w.buf)) % len(w.buf)
	for i := 0; i < w.count; i++ {
		sum += w.buf[(start+i)%len(w.buf)]
	}
	return sum
}

// Values returns the contents, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	start := (w.head - w.count + len(w.buf)) % len(w.buf)
	for i := range out {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	return w.count
}

// Cap returns the capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}
