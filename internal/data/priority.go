package data

import (
	"container/heap"
	"time"
)

// Item describes an entry in the priority queue.
type Item struct {
	value    interface{}
	deadline time.Time
	index    int
}

// Value returns the value held by the item.
func (i *Item) Value() interface{} {
	return i.value
}

// Deadline returns the time at which the item expires.
func (i *Item) Deadline() time.Time {
	return i.deadline
}

// queue implements heap.Interface and holds Items, earliest deadline first.
// This implementation is adapted from the container/heap documentation:
// https://golang.org/pkg/container/heap/
type queue []*Item

func (q queue) Len() int {
	return len(q)
}

func (q queue) Less(i, j int) bool {
	return q[i].deadline.Before(q[j].deadline)
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[0 : n-1]

	return item
}

// DeadlineQueue is a priority queue that surfaces items in order of their deadline. It supports
// removal of arbitrary items, so that items resolved before their deadline do not linger. It is not
// safe for concurrent use; callers serialize access.
type DeadlineQueue struct {
	store queue
}

// NewDeadlineQueue creates an empty deadline queue.
func NewDeadlineQueue() *DeadlineQueue {
	q := &DeadlineQueue{}
	heap.Init(&q.store)

	return q
}

// Push inserts a value that expires at the specified deadline and returns its handle.
func (q *DeadlineQueue) Push(value interface{}, deadline time.Time) *Item {
	item := &Item{value: value, deadline: deadline}
	heap.Push(&q.store, item)

	return item
}

// PopExpired removes and returns the earliest item if its deadline is at or before now.
func (q *DeadlineQueue) PopExpired(now time.Time) (*Item, bool) {
	if len(q.store) == 0 || q.store[0].deadline.After(now) {
		return nil, false
	}

	return heap.Pop(&q.store).(*Item), true
}

// Remove removes an item from the queue. It is a noop if the item was already removed.
func (q *DeadlineQueue) Remove(item *Item) {
	if item.index < 0 || item.index >= len(q.store) || q.store[item.index] != item {
		return
	}

	heap.Remove(&q.store, item.index)
}

// Len returns the current size of the queue.
func (q *DeadlineQueue) Len() int {
	return len(q.store)
}
