// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package circular

// FIFO queue over a power-of-two ring, O(1) PushBack and PopFront.
// Positions are uint because we rely on integer overflow.
type Buffer[T any] struct {
	elements []T // length == capacity == 2^x
	readPos  uint
	writePos uint
}

func (s *Buffer[T]) Len() int {
	return int(s.writePos - s.readPos) // diff always fits int and is >= 0
}

func (s *Buffer[T]) Cap() int {
	return len(s.elements)
}

func (s *Buffer[T]) mask() uint { return uint(len(s.elements)) - 1 } // also correct for 0 length

func (s *Buffer[T]) slices() ([]T, []T) {
	m := s.mask()
	if s.writePos&^m == s.readPos&^m {
		return s.elements[s.readPos&m : s.writePos&m], nil
	}
	return s.elements[s.readPos&m:], s.elements[:s.writePos&m]
}

func (s *Buffer[T]) grow(newCapacity int) {
	capacity := max(4, len(s.elements))
	for capacity < newCapacity {
		capacity *= 2
	}
	s1, s2 := s.slices()
	elements := make([]T, capacity)
	off := copy(elements, s1)
	off += copy(elements[off:], s2)
	s.readPos = 0
	s.writePos = uint(off)
	s.elements = elements
}

func (s *Buffer[T]) PushBack(element T) {
	if s.Len() == len(s.elements) {
		s.grow(len(s.elements) + 1)
	}
	s.elements[s.writePos&s.mask()] = element
	s.writePos++
}

func (s *Buffer[T]) Front() T {
	return *s.FrontRef()
}

// reference stays valid only until the next PushBack/PopFront/Clear
func (s *Buffer[T]) FrontRef() *T {
	if s.writePos == s.readPos {
		panic("empty circular buffer")
	}
	return &s.elements[s.readPos&s.mask()]
}

func (s *Buffer[T]) PopFront() T {
	if s.writePos == s.readPos {
		panic("empty circular buffer")
	}
	offset := s.readPos & s.mask()
	element := s.elements[offset]
	var empty T
	s.elements[offset] = empty // no dangling references in unused parts of buffer
	s.readPos++
	return element
}

func (s *Buffer[T]) Clear() {
	s1, s2 := s.slices()
	var empty T
	for i := range s1 {
		s1[i] = empty
	}
	for i := range s2 {
		s2[i] = empty
	}
	s.readPos = 0
	s.writePos = 0
}
