// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

// Buffer is a logical data buffer spread over segments.
// Offset skips bytes at the front of the chain; Length bytes follow.
type Buffer struct {
	Segments [][]byte
	Offset   int
	Length   int
}

// NewBuffer returns a Buffer spanning all of segs.
func NewBuffer(segs ...[]byte) Buffer {
	n := 0
	for _, s := range segs {
		n += len(s)
	}
	return Buffer{Segments: segs, Length: n}
}

// Len returns the logical length.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.Length
}

// split validates b and returns the byte ranges to transfer, none longer
// than max.
func (b *Buffer) split(max int) ([][]byte, error) {
	if b == nil || b.Length == 0 {
		return nil, nil
	}
	if b.Offset < 0 || b.Length < 0 {
		return nil, ErrInvalidParameter
	}
	if max <= 0 {
		max = b.Length
	}
	var out [][]byte
	skip, left := b.Offset, b.Length
	for _, seg := range b.Segments {
		if left == 0 {
			break
		}
		if skip >= len(seg) {
			skip -= len(seg)
			continue
		}
		seg = seg[skip:]
		skip = 0
		if len(seg) > left {
			seg = seg[:left]
		}
		left -= len(seg)
		for len(seg) > max {
			out = append(out, seg[:max:max])
			seg = seg[max:]
		}
		if len(seg) > 0 {
			out = append(out, seg)
		}
	}
	if left != 0 {
		return nil, ErrInvalidParameter
	}
	return out, nil
}
