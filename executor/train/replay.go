package train

import "math/rand/v2"

// ReplayBuffer keeps the most recent examples up to a capacity. A
// non-positive capacity keeps everything.
type ReplayBuffer struct {
	capacity int
	buf      []Example
	next     int
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	return &ReplayBuffer{capacity: capacity}
}

func (b *ReplayBuffer) Len() int { return len(b.buf) }

// Add appends exs, overwriting the oldest examples once full.
func (b *ReplayBuffer) Add(exs ...Example) {
	for _, ex := range exs {
		if b.capacity <= 0 || len(b.buf) < b.capacity {
			b.buf = append(b.buf, ex)
			continue
		}
		b.buf[b.next] = ex
		b.next = (b.next + 1) % b.capacity
	}
}

// Examples returns a shuffled copy of the buffer.
func (b *ReplayBuffer) Examples(r *rand.Rand) []Example {
	out := append([]Example(nil), b.buf...)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Sample draws n examples with replacement.
func (b *ReplayBuffer) Sample(r *rand.Rand, n int) []Example {
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]Example, n)
	for i := range out {
		out[i] = b.buf[r.IntN(len(b.buf))]
	}
	return out
}
