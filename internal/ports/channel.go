package ports

import "io"

// Channel is a duplex byte stream to a remote peer. Writes are buffered
// until Flush.
type Channel interface {
	io.Reader
	io.Writer
	Flush() error
	Close() error
}
