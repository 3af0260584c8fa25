package pool

import "sync"

// DatagramBufSize matches transport.MaxDatagram.
const DatagramBufSize = 8192

var datagramPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, DatagramBufSize)
		return &b
	},
}

// GetDatagram returns a datagram-sized buffer from the pool.
func GetDatagram() *[]byte {
	return datagramPool.Get().(*[]byte)
}

// PutDatagram returns a datagram buffer to the pool.
func PutDatagram(b *[]byte) {
	if b == nil || cap(*b) < DatagramBufSize {
		return
	}
	*b = (*b)[:DatagramBufSize]
	datagramPool.Put(b)
}
