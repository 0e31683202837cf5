package kernel

import "mote/sos/proto"

const (
	classSystem = iota
	classHigh
	classLow
	numClasses
)

type fifo struct {
	head, tail *Message
	n          int
}

func (q *fifo) push(m *Message) {
	m.next = nil
	if q.tail == nil {
		q.head = m
	} else {
		q.tail.next = m
	}
	q.tail = m
	q.n++
}

func (q *fifo) pop() *Message {
	m := q.head
	if m == nil {
		return nil
	}
	q.head = m.next
	if q.head == nil {
		q.tail = nil
	}
	m.next = nil
	q.n--
	return m
}

// queueSet orders pending messages: system before high before low, FIFO
// within a class. A single queue keeps plain arrival order.
type queueSet struct {
	single bool
	q      [numClasses]fifo
}

func classOf(f proto.Flag) int {
	switch {
	case f&proto.SystemPriority != 0:
		return classSystem
	case f&proto.HighPriority != 0:
		return classHigh
	default:
		return classLow
	}
}

func (s *queueSet) enqueue(m *Message) {
	c := classLow
	if !s.single {
		c = classOf(m.Flag)
	}
	s.q[c].push(m)
}

func (s *queueSet) dequeue() *Message {
	for c := range s.q {
		if m := s.q[c].pop(); m != nil {
			return m
		}
	}
	return nil
}

func (s *queueSet) len() int {
	n := 0
	for c := range s.q {
		n += s.q[c].n
	}
	return n
}

func matches(m, tmpl *Message) bool {
	return m.DID == tmpl.DID && m.SID == tmpl.SID &&
		m.DAddr == tmpl.DAddr && m.SAddr == tmpl.SAddr &&
		m.Type == tmpl.Type
}

// find returns the first queued message matching tmpl, in dequeue order.
func (s *queueSet) find(tmpl *Message) *Message {
	for c := range s.q {
		for m := s.q[c].head; m != nil; m = m.next {
			if matches(m, tmpl) {
				return m
			}
		}
	}
	return nil
}

// remove unlinks every queued message for which drop returns true.
func (s *queueSet) remove(drop func(*Message) bool) []*Message {
	var out []*Message
	for c := range s.q {
		q := &s.q[c]
		var prev *Message
		for m := q.head; m != nil; {
			next := m.next
			if !drop(m) {
				prev = m
				m = next
				continue
			}
			if prev == nil {
				q.head = next
			} else {
				prev.next = next
			}
			if q.tail == m {
				q.tail = prev
			}
			q.n--
			m.next = nil
			out = append(out, m)
			m = next
		}
	}
	return out
}

func (s *queueSet) each(fn func(*Message)) {
	for c := range s.q {
		for m := s.q[c].head; m != nil; m = m.next {
			fn(m)
		}
	}
}
