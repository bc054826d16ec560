package selfencryption

import (
	"fmt"
	"sort"
)

// Sizing holds the chunk size bounds. Chunk boundaries are a function of the
// stream length and the Sizing only, never of the content.
type Sizing struct {
	// Min is the smallest chunk size. Streams shorter than 3*Min are not
	// chunked at all.
	Min uint32
	// Max is the largest chunk size.
	Max uint32
}

// ChunkSizeLimit is the largest allowed Sizing.Max. Chunks can exceed Max by
// a few bytes and must still fit in a uint32.
const ChunkSizeLimit = 1 << 31

// DefaultSizing uses MinChunkSize and MaxChunkSize.
var DefaultSizing = Sizing{Min: MinChunkSize, Max: MaxChunkSize}

// Validate checks that the bounds leave room for rebalancing the last two
// chunks.
func (s Sizing) Validate() error {
	if s.Min == 0 || uint64(s.Max) < 2*uint64(s.Min) || s.Max > ChunkSizeLimit {
		return fmt.Errorf("%w: min %d, max %d", ErrInvalidSizing, s.Min, s.Max)
	}
	return nil
}

// NumChunks returns the number of chunks a stream of total bytes is split
// into. Zero means the stream is stored inline.
func (s Sizing) NumChunks(total uint64) int {
	minSize, maxSize := uint64(s.Min), uint64(s.Max)
	if total < 3*minSize {
		return 0
	}
	if total < 3*maxSize {
		return 3
	}
	n := total / maxSize
	if total%maxSize != 0 {
		n++
	}
	return int(n)
}

// ChunkSize returns the size of chunk i of a stream of total bytes, or 0 when
// there is no such chunk.
func (s Sizing) ChunkSize(total uint64, i int) uint32 {
	n := s.NumChunks(total)
	if i < 0 || i >= n {
		return 0
	}

	// Three chunks, split as evenly as possible.
	if total < 3*uint64(s.Max) {
		if i < 2 {
			return uint32(total / 3)
		}
		return uint32(total - 2*(total/3))
	}

	if i < n-2 {
		return s.Max
	}
	remainder := uint32(total % uint64(s.Max))
	if remainder == 0 {
		return s.Max
	}

	// Never let the last chunk drop under Min: borrow from the penultimate.
	penultimate := i == n-2
	if remainder < s.Min {
		if penultimate {
			return s.Max - s.Min
		}
		return s.Min + remainder
	}
	if penultimate {
		return s.Max
	}
	return remainder
}

// ChunkOffset returns the stream offset of the first byte of chunk i.
// ChunkOffset(total, NumChunks(total)) is total.
func (s Sizing) ChunkOffset(total uint64, i int) uint64 {
	n := s.NumChunks(total)
	if i <= 0 || n == 0 {
		return 0
	}
	if i >= n {
		return total
	}
	if n == 3 && total < 3*uint64(s.Max) {
		return uint64(i) * (total / 3)
	}
	if i <= n-2 {
		return uint64(i) * uint64(s.Max)
	}
	// The last chunk follows the possibly shortened penultimate one.
	return uint64(n-2)*uint64(s.Max) + uint64(s.ChunkSize(total, n-2))
}

// Layout returns the chunk boundaries of a stream of total bytes.
func (s Sizing) Layout(total uint64) *Layout {
	n := s.NumChunks(total)
	offsets := make([]uint64, n+1)
	for i := 0; i < n; i++ {
		offsets[i+1] = offsets[i] + uint64(s.ChunkSize(total, i))
	}
	return &Layout{total: total, offsets: offsets}
}

// Layout holds the cumulative chunk offsets of one stream length.
type Layout struct {
	total   uint64
	offsets []uint64
}

func (l *Layout) Total() uint64 {
	return l.total
}

func (l *Layout) NumChunks() int {
	return len(l.offsets) - 1
}

// Offset returns the offset of chunk i. Offset(NumChunks()) is the total size.
func (l *Layout) Offset(i int) uint64 {
	return l.offsets[i]
}

func (l *Layout) Size(i int) uint32 {
	return uint32(l.offsets[i+1] - l.offsets[i])
}

// ChunkAt returns the index of the chunk holding byte pos, or -1 if pos is
// past the end.
func (l *Layout) ChunkAt(pos uint64) int {
	if pos >= l.total || l.NumChunks() == 0 {
		return -1
	}
	return chunkAt(l.offsets, pos)
}

// Range returns the first and last chunk overlapping [pos, pos+length).
func (l *Layout) Range(pos, length uint64) (first, last int) {
	if length == 0 || pos >= l.total {
		return -1, -1
	}
	end := pos + length - 1
	if end >= l.total {
		end = l.total - 1
	}
	return chunkAt(l.offsets, pos), chunkAt(l.offsets, end)
}

// chunkAt finds the chunk holding pos given cumulative offsets.
func chunkAt(offsets []uint64, pos uint64) int {
	return sort.Search(len(offsets)-1, func(i int) bool {
		return offsets[i+1] > pos
	})
}

// NumChunks returns DefaultSizing.NumChunks(total).
func NumChunks(total uint64) int {
	return DefaultSizing.NumChunks(total)
}

// ChunkSize returns DefaultSizing.ChunkSize(total, i).
func ChunkSize(total uint64, i int) uint32 {
	return DefaultSizing.ChunkSize(total, i)
}

// ChunkOffset returns DefaultSizing.ChunkOffset(total, i).
func ChunkOffset(total uint64, i int) uint64 {
	return DefaultSizing.ChunkOffset(total, i)
}
