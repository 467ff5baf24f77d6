// Package mixer provides a software [audio.OutputContext]: a clocked timeline
// that mixes scheduled buffers into fixed-size PCM blocks and writes them to a
// sink such as an ffplay pipe. The timeline's clock advances only as blocks are
// rendered, so scheduled start positions are sample accurate relative to the
// bytes handed to the sink.
package mixer

// voiceHeap implements [container/heap.Interface] as a min-heap of voices
// waiting to start, ordered by start frame with FIFO tie-breaking on seq.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether voice i starts before voice j.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push].
func (h *voiceHeap) Push(x any) {
	*h = append(*h, x.(*voice))
}

// Pop removes and returns the last element. Called by [container/heap.Pop].
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}
