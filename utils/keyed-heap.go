package utils

// Addressable binary max-heap over a bounded id universe.
// Supports key adjustment and removal by id. Ties broken by smaller id so
// extraction order is reproducible.
type KeyedHeap struct {
	ids  []uint32
	keys []int64
	pos  []int32 // id -> heap position + 1; 0 = absent
}

func NewKeyedHeap(universe uint32) *KeyedHeap {
	return &KeyedHeap{pos: make([]int32, universe)}
}

func (h *KeyedHeap) Size() int    { return len(h.ids) }
func (h *KeyedHeap) Empty() bool  { return len(h.ids) == 0 }
func (h *KeyedHeap) Top() uint32  { return h.ids[0] }
func (h *KeyedHeap) TopKey() int64 { return h.keys[0] }

func (h *KeyedHeap) Contains(id uint32) bool {
	return h.pos[id] != 0
}

func (h *KeyedHeap) KeyOf(id uint32) int64 {
	return h.keys[h.pos[id]-1]
}

// Element id at heap slot j; iteration order is unspecified.
func (h *KeyedHeap) At(j int) uint32 {
	return h.ids[j]
}

func (h *KeyedHeap) Insert(id uint32, key int64) {
	h.ids = append(h.ids, id)
	h.keys = append(h.keys, key)
	h.pos[id] = int32(len(h.ids))
	h.siftUp(len(h.ids) - 1)
}

func (h *KeyedHeap) AdjustKey(id uint32, key int64) {
	j := int(h.pos[id]) - 1
	old := h.keys[j]
	h.keys[j] = key
	if key > old {
		h.siftUp(j)
	} else if key < old {
		h.siftDown(j)
	}
}

func (h *KeyedHeap) InsertOrAdjustKey(id uint32, key int64) {
	if h.Contains(id) {
		h.AdjustKey(id, key)
	} else {
		h.Insert(id, key)
	}
}

func (h *KeyedHeap) DeleteTop() {
	h.removeAt(0)
}

func (h *KeyedHeap) Remove(id uint32) {
	h.removeAt(int(h.pos[id]) - 1)
}

func (h *KeyedHeap) Clear() {
	for _, id := range h.ids {
		h.pos[id] = 0
	}
	h.ids = h.ids[:0]
	h.keys = h.keys[:0]
}

func (h *KeyedHeap) removeAt(j int) {
	last := len(h.ids) - 1
	h.pos[h.ids[j]] = 0
	if j != last {
		h.ids[j] = h.ids[last]
		h.keys[j] = h.keys[last]
		h.pos[h.ids[j]] = int32(j + 1)
	}
	h.ids = h.ids[:last]
	h.keys = h.keys[:last]
	if j != last {
		h.siftDown(j)
		h.siftUp(j)
	}
}

func (h *KeyedHeap) less(a, b int) bool {
	return h.keys[a] > h.keys[b] || (h.keys[a] == h.keys[b] && h.ids[a] < h.ids[b])
}

func (h *KeyedHeap) swap(a, b int) {
	h.ids[a], h.ids[b] = h.ids[b], h.ids[a]
	h.keys[a], h.keys[b] = h.keys[b], h.keys[a]
	h.pos[h.ids[a]] = int32(a + 1)
	h.pos[h.ids[b]] = int32(b + 1)
}

func (h *KeyedHeap) siftUp(j int) {
	for j > 0 {
		parent := (j - 1) / 2
		if !h.less(j, parent) {
			return
		}
		h.swap(j, parent)
		j = parent
	}
}

func (h *KeyedHeap) siftDown(j int) {
	n := len(h.ids)
	for {
		left := 2*j + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && h.less(right, left) {
			best = right
		}
		if !h.less(best, j) {
			return
		}
		h.swap(j, best)
		j = best
	}
}
