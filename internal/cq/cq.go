// Package cq carries decoded compositor events from a connection's
// reader goroutine to the goroutine that dispatches them.
package cq

import "sync"

// Event is one queued unit of work: dispatching a decoded message, or
// surfacing the read error that ended the stream.
type Event func() error

// Flush runs a drained batch in order and collects the failures.
func Flush(batch []Event) (errs []error) {
	for _, ev := range batch {
		if err := ev(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Queue is an unbounded event queue. Events accumulate until the
// receiver drains the whole pending batch at once through Get.
type Queue struct {
	done  chan struct{}
	close sync.Once

	add chan Event
	get chan []Event
}

func New() *Queue {
	q := Queue{
		done: make(chan struct{}),
		add:  make(chan Event),
		get:  make(chan []Event),
	}
	go q.run()

	return &q
}

// Stop shuts the queue down. Events still pending are dropped.
func (q *Queue) Stop() {
	q.close.Do(func() {
		close(q.done)
	})
}

func (q *Queue) Add() chan<- Event {
	return q.add
}

// Get returns the channel that yields the pending batch. It only
// offers a value while the batch is non-empty.
func (q *Queue) Get() <-chan []Event {
	return q.get
}

func (q *Queue) run() {
	var batch []Event
	var get chan []Event

	for {
		select {
		case <-q.done:
			return

		case ev := <-q.add:
			batch = append(batch, ev)
			get = q.get

		case get <- batch:
			batch = nil
			get = nil
		}
	}
}
