package loopback

import (
	"errors"
	"sync"
)

// ErrEmptyQueue is returned when there is nothing to play.
var ErrEmptyQueue = errors.New("queue is empty")

// Queue holds the tracks the loopback player cycles through.
type Queue struct {
	mu      sync.Mutex
	index   int
	entries []string
	repeat  bool
}

// NewQueue creates a queue positioned on the first entry.
func NewQueue(entries []string, repeat bool) *Queue {
	return &Queue{entries: append([]string(nil), entries...), repeat: repeat}
}

// Current returns the track at the cursor.
func (q *Queue) Current() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", ErrEmptyQueue
	}
	return q.entries[q.index], nil
}

// Next advances the cursor. It reports false at the end of a non-repeating
// queue, leaving the cursor on the last entry.
func (q *Queue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", false
	}
	if q.index+1 >= len(q.entries) {
		if !q.repeat {
			return q.entries[q.index], false
		}
		q.index = 0
		return q.entries[q.index], true
	}
	q.index++
	return q.entries[q.index], true
}

// Prev moves the cursor back, stopping at the first entry.
func (q *Queue) Prev() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", false
	}
	if q.index == 0 {
		if !q.repeat {
			return q.entries[0], false
		}
		q.index = len(q.entries) - 1
		return q.entries[q.index], true
	}
	q.index--
	return q.entries[q.index], true
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
