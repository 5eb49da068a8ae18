// Package wire implements the client side of the Wayland wire format.
// It carries just enough of the protocol to speak the KDE output
// management interfaces; file descriptor passing is unsupported as
// none of those interfaces use it.
package wire

import (
	"encoding/binary"
	"io"
	"unsafe"
)

// byteOrder is the host byte order.
var byteOrder binary.ByteOrder = binary.LittleEndian

func init() {
	n := uint32(1)
	b := (*[4]byte)(unsafe.Pointer(&n))
	if b[0] == 0 {
		byteOrder = binary.BigEndian
	}
}

func read[T ~int32 | ~uint32](r io.Reader) (T, error) {
	var data [4]byte
	_, err := io.ReadFull(r, data[:])
	if err != nil {
		return 0, err
	}

	v := byteOrder.Uint32(data[:])
	return *(*T)(unsafe.Pointer(&v)), nil
}

func write[T ~int32 | ~uint32](w io.Writer, v T) error {
	var data [4]byte
	byteOrder.PutUint32(data[:], *(*uint32)(unsafe.Pointer(&v)))
	n, err := w.Write(data[:])
	if (err == nil) && (n < len(data)) {
		return io.ErrShortWrite
	}
	return err
}

// padding returns the number of bytes needed to pad size up to a
// 32-bit boundary.
func padding(size uint32) uint32 {
	return (4 - (size & 3)) & 3
}

// Object represents a Wayland protocol object as seen by the client.
type Object interface {
	// ID is the object's ID in the connection's object space, or zero
	// if it has not been registered yet.
	ID() uint32

	// SetID is called when the object is registered with a connection.
	SetID(id uint32)

	// Dispatch handles an incoming event aimed at the object.
	Dispatch(msg *MessageBuffer) error

	// Delete is called when the object is removed from the connection.
	Delete()
}

// NewID is the wire representation of a typed new_id argument, used
// when binding interfaces via the registry.
type NewID struct {
	Interface string
	Version   uint32
	ID        uint32
}
