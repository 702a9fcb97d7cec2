package align

import "container/heap"

type pending struct {
	item Item
	seq  uint64
}

// eventHeap orders pending events by (exchange timestamp, arrival sequence).
type eventHeap []pending

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	ti, tj := h[i].item.Event.ExchangeTS, h[j].item.Event.ExchangeTS
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(pending)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = pending{}
	*h = old[:n-1]
	return item
}

func (h eventHeap) head() (pending, bool) {
	if len(h) == 0 {
		return pending{}, false
	}
	return h[0], true
}

func (h *eventHeap) push(p pending) { heap.Push(h, p) }

func (h *eventHeap) pop() pending { return heap.Pop(h).(pending) }
