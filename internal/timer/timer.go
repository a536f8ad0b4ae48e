/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package timer implements the sorted doubly linked list of per-connection
// idle-expiry deadlines described in spec.md §4.4. It is single-threaded
// by contract: only the reactor goroutine touches a List.
package timer

import "time"

// Node is one timer entry. FD identifies the owning connection by file
// descriptor rather than holding a pointer to it, breaking the
// connection<->timer reference cycle (spec.md §9): the callback looks the
// connection up in the reactor's fd-indexed arena.
type Node struct {
	FD     int
	Expire time.Time
	Cb     func(fd int)

	prev *Node
	next *Node
	list *List
}

// List is a sorted doubly linked list of Nodes ordered by ascending
// Expire.
type List struct {
	head *Node
	tail *Node
}

// New returns an empty List.
func New() *List {
	return &List{}
}

// Add inserts n in sorted position. O(n).
func (l *List) Add(n *Node) {
	if n == nil {
		return
	}
	n.list = l

	if l.head == nil {
		l.head, l.tail = n, n
		return
	}
	if n.Expire.Before(l.head.Expire) {
		n.next = l.head
		l.head.prev = n
		l.head = n
		return
	}
	l.insertAfter(n, l.head)
}

// insertAfter walks forward from start looking for the first node whose
// Expire is greater than n's, and splices n in before it (or at the tail
// if none is found).
func (l *List) insertAfter(n *Node, start *Node) {
	prev := start
	cur := start.next
	for cur != nil {
		if n.Expire.Before(cur.Expire) {
			prev.next = n
			n.next = cur
			cur.prev = n
			n.prev = prev
			return
		}
		prev = cur
		cur = cur.next
	}
	prev.next = n
	n.prev = prev
	n.next = nil
	l.tail = n
}

// Adjust is invoked when n's Expire has been extended (pushed later). If
// n is still no later than its successor, it's a no-op; otherwise n is
// unlinked and reinserted starting from its old successor's position.
func (l *List) Adjust(n *Node) {
	if n == nil {
		return
	}
	next := n.next
	if next == nil || !n.Expire.After(next.Expire) {
		return
	}

	if n == l.head {
		l.head = l.head.next
		if l.head != nil {
			l.head.prev = nil
		}
		n.next = nil
		l.insertAfter(n, next)
		return
	}

	n.prev.next = n.next
	n.next.prev = n.prev
	if n == l.tail {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.insertAfter(n, next)
}

// Remove unlinks n. A node that is not currently in l (never added,
// already removed, or already fired by Tick) is left alone, so removing
// a node a second time is a no-op.
func (l *List) Remove(n *Node) {
	if n == nil || n.list != l {
		return
	}

	switch {
	case n == l.head && n == l.tail:
		l.head, l.tail = nil, nil
	case n == l.head:
		l.head = n.next
		l.head.prev = nil
	case n == l.tail:
		l.tail = n.prev
		n.prev.next = nil
	default:
		n.prev.next = n.next
		n.next.prev = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
}

// Tick pops and fires every node whose Expire is <= now, removing each as
// it fires. A now before the head's deadline is a no-op.
func (l *List) Tick(now time.Time) {
	for l.head != nil && !l.head.Expire.After(now) {
		n := l.head
		l.head = n.next
		if l.head != nil {
			l.head.prev = nil
		} else {
			l.tail = nil
		}
		n.prev, n.next, n.list = nil, nil, nil

		if n.Cb != nil {
			n.Cb(n.FD)
		}
	}
}

// Empty reports whether the list currently holds no nodes.
func (l *List) Empty() bool {
	return l.head == nil
}

// Head returns the earliest-expiring node, or nil.
func (l *List) Head() *Node {
	return l.head
}
