// Package list provides a typed intrusive doubly-linked list.
//
// A Node is embedded in the element it links, so inserting and removing an
// element never allocates. Each node carries a back-pointer to its element
// (Value) and to the list it is linked into, which makes membership tests
// and O(1) removal possible without pointer arithmetic.
//
// The list is not thread-safe; callers must handle synchronization.
package list

// Node links one element into a List. The zero value is unlinked.
// A Node must not be copied while linked.
type Node[T any] struct {
	Value T

	prev *Node[T]
	next *Node[T]
	list *List[T]
}

// Linked reports whether the node is currently in a list.
func (n *Node[T]) Linked() bool {
	return n.list != nil
}

// Next returns the following node, or nil at the tail.
func (n *Node[T]) Next() *Node[T] {
	return n.next
}

// List is a doubly-linked list of nodes. The zero value is an empty list.
//
// The head is the oldest appended (or most recently pushed-front) node.
type List[T any] struct {
	head *Node[T]
	tail *Node[T]
	len  int
}

// Len returns the number of nodes in the list.
func (l *List[T]) Len() int {
	return l.len
}

// Empty reports whether the list has no nodes.
func (l *List[T]) Empty() bool {
	return l.len == 0
}

// Front returns the head node, or nil if the list is empty.
func (l *List[T]) Front() *Node[T] {
	return l.head
}

// Back returns the tail node, or nil if the list is empty.
func (l *List[T]) Back() *Node[T] {
	return l.tail
}

// Contains reports whether n is linked into l.
func (l *List[T]) Contains(n *Node[T]) bool {
	return n.list == l
}

// PushBack appends n at the tail.
func (l *List[T]) PushBack(n *Node[T]) {
	l.mustBeUnlinked(n)
	n.list = l
	n.next = nil
	n.prev = l.tail
	if l.tail == nil {
		l.head = n
	} else {
		l.tail.next = n
	}
	l.tail = n
	l.len++
}

// PushFront inserts n at the head.
func (l *List[T]) PushFront(n *Node[T]) {
	l.mustBeUnlinked(n)
	n.list = l
	n.prev = nil
	n.next = l.head
	if l.head == nil {
		l.tail = n
	} else {
		l.head.prev = n
	}
	l.head = n
	l.len++
}

// Remove unlinks n from l. Removing a node that is not in l panics.
func (l *List[T]) Remove(n *Node[T]) {
	if n.list != l {
		panic("list: node is not linked into this list")
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	n.list = nil
	l.len--
}

// PopFront removes and returns the head node's value.
// Returns zero value and false if the list is empty.
func (l *List[T]) PopFront() (T, bool) {
	n := l.head
	if n == nil {
		var zero T
		return zero, false
	}
	l.Remove(n)
	return n.Value, true
}

func (l *List[T]) mustBeUnlinked(n *Node[T]) {
	if n.list != nil {
		panic("list: node is already linked")
	}
}
