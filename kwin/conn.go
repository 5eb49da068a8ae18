package kwin

import (
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balcsida/vd-agent/internal/cq"
	"github.com/balcsida/vd-agent/wire"
)

var debug = func(string, ...any) {}

func init() {
	debugLevel, err := strconv.ParseInt(os.Getenv("WAYLAND_DEBUG"), 10, 0)
	if err != nil {
		return
	}
	if debugLevel > 0 {
		debug = func(str string, args ...any) { logrus.Debugf(str, args...) }
	}
}

// Conn is a Wayland connection carrying the KDE output management
// protocol. Incoming events are read by a background goroutine and
// queued; they are decoded and dispatched only when the caller drains
// the queue through RoundTrip, so all protocol state is mutated from
// the caller's goroutine. Requests are written directly since they
// only ever originate from that same goroutine.
type Conn struct {
	done     chan struct{}
	readDone chan struct{}
	close    sync.Once
	conn     *net.UnixConn
	objects  map[uint32]wire.Object
	nextID   uint32
	disp     *displayObject
	registry *registry
	queue    *cq.Queue
}

// Dial connects to the Wayland socket named by the environment.
func Dial() (*Conn, error) {
	c, err := wire.Dial()
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// NewConn wraps an established Wayland socket connection. After this
// is called, close the connection through Close, not through c.
func NewConn(c *net.UnixConn) *Conn {
	conn := Conn{
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		conn:     c,
		objects:  make(map[uint32]wire.Object),
		nextID:   1,
		queue:    cq.New(),
	}
	conn.disp = &displayObject{conn: &conn}
	conn.addObject(conn.disp)
	go conn.listen()

	return &conn
}

func (c *Conn) listen() {
	defer close(c.readDone)

	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case <-c.done:
			case c.queue.Add() <- func() error { return err }:
			}
			return
		}

		select {
		case <-c.done:
			return
		case c.queue.Add() <- func() error { return c.dispatch(msg) }:
		}
	}
}

func (c *Conn) Close() error {
	c.close.Do(func() { close(c.done) })
	c.queue.Stop()
	return c.conn.Close()
}

func (c *Conn) addObject(obj wire.Object) {
	id := c.nextID
	c.nextID++

	c.objects[id] = obj
	obj.SetID(id)
}

// setObject registers an object under a server-allocated ID, as
// happens when an event carries a new_id argument.
func (c *Conn) setObject(id uint32, obj wire.Object) {
	c.objects[id] = obj
	obj.SetID(id)
}

func (c *Conn) getObject(id uint32) wire.Object {
	return c.objects[id]
}

func (c *Conn) deleteObject(id uint32) {
	obj := c.objects[id]
	delete(c.objects, id)
	if obj != nil {
		obj.Delete()
	}
}

func (c *Conn) dispatch(msg *wire.MessageBuffer) error {
	obj := c.objects[msg.Sender()]
	if obj == nil {
		return wire.UnknownSenderIDError{Msg: msg}
	}

	err := obj.Dispatch(msg)
	debug("%v", msg.Debug(obj))
	return err
}

// send writes a request immediately.
func (c *Conn) send(msg *wire.MessageBuilder) error {
	debug(" -> %v", msg)
	return msg.Build(c.conn)
}

// Registry returns the connection's registry, requesting it from the
// compositor on first use.
func (c *Conn) Registry() (*registry, error) {
	if c.registry != nil {
		return c.registry, nil
	}

	reg := &registry{conn: c, globals: make(map[uint32]Interface)}
	c.addObject(reg)
	if err := c.send(c.disp.GetRegistry(reg.id)); err != nil {
		c.deleteObject(reg.id)
		return nil, err
	}
	c.registry = reg
	return reg, nil
}

// Sync asks the compositor for a wl_callback.done once everything
// queued before it has been processed.
func (c *Conn) Sync(done func(uint32)) error {
	cb := &callback{done: done}
	c.addObject(cb)
	if err := c.send(c.disp.Sync(cb.id)); err != nil {
		c.deleteObject(cb.id)
		return err
	}
	return nil
}

// RoundTrip is the transport barrier: it returns once every request
// sent before it has been handled by the compositor and every event
// that was pending at that point has been dispatched.
func (c *Conn) RoundTrip() error {
	get := c.queue.Get()
	done := make(chan struct{})
	err := c.Sync(func(uint32) {
		close(done)
		get = nil
	})
	if err != nil {
		return err
	}

	var errs []error

	for {
		select {
		case <-done:
			return errors.Join(errs...)

		case queue := <-get:
			errs = append(errs, cq.Flush(queue)...)

		case <-c.readDone:
			// The reader is gone. Its terminal error was queued
			// before readDone closed, but the queue may not be
			// offering the batch yet, so give it a moment before
			// giving up on a done that cannot come.
			select {
			case queue := <-get:
				errs = append(errs, cq.Flush(queue)...)
			case <-time.After(10 * time.Millisecond):
			}
			select {
			case <-done:
			default:
				errs = append(errs, errors.New("connection lost during round trip"))
			}
			return errors.Join(errs...)
		}
	}
}
