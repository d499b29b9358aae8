package proc

import "kcore/kernel"

const minQueueCap = 8

var (
	errNotReady      = &kernel.Error{Module: "proc", Message: "only ready processes may be queued"}
	errAlreadyQueued = &kernel.Error{Module: "proc", Message: "process already in ready queue"}
)

// ReadyQueue is the FIFO of processes eligible to run. It is a ring buffer
// of PIDs that doubles its capacity when full. A PID is in the queue if and
// only if its PCB is Ready.
type ReadyQueue struct {
	ring       []PID
	head, size int
	queued     map[PID]struct{}
}

// Push appends p to the back of the queue.
func (q *ReadyQueue) Push(p *PCB) *kernel.Error {
	switch {
	case p.State() != Ready:
		return errNotReady
	case q.Contains(p.PID):
		return errAlreadyQueued
	}

	if q.size == len(q.ring) {
		q.grow()
	}

	q.ring[(q.head+q.size)%len(q.ring)] = p.PID
	q.size++
	q.queued[p.PID] = struct{}{}
	return nil
}

// Pop removes and returns the PID at the front of the queue. The second
// return value is false when the queue is empty.
func (q *ReadyQueue) Pop() (PID, bool) {
	if q.size == 0 {
		return 0, false
	}

	pid := q.ring[q.head]
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	delete(q.queued, pid)
	return pid, true
}

// Len returns the number of queued processes.
func (q *ReadyQueue) Len() int {
	return q.size
}

// Contains returns true if pid is queued.
func (q *ReadyQueue) Contains(pid PID) bool {
	_, ok := q.queued[pid]
	return ok
}

// PIDs returns the queued PIDs from front to back.
func (q *ReadyQueue) PIDs() []PID {
	out := make([]PID, q.size)
	for i := range out {
		out[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	return out
}

func (q *ReadyQueue) grow() {
	newCap := 2 * len(q.ring)
	if newCap < minQueueCap {
		newCap = minQueueCap
	}

	ring := make([]PID, newCap)
	for i := 0; i < q.size; i++ {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}

	q.ring, q.head = ring, 0
	if q.queued == nil {
		q.queued = make(map[PID]struct{})
	}
}
