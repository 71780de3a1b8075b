// Package wire implements the serialization primitives spoken by the
// remote store: every integer travels as one little-endian 64-bit word and
// every byte string as a length word followed by the bytes, zero padded to
// a multiple of eight.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	wordSize = 8

	// MaxStringLen bounds a single string read into memory.
	MaxStringLen = 64 << 20
)

var ErrMalformed = errors.New("wire: malformed data")

var zeroPad [wordSize]byte

func WriteUint64(w io.Writer, n uint64) error {
	var buf [wordSize]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [wordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint32 writes a 32-bit value in a full word.
func WriteUint32(w io.Writer, n uint32) error {
	return WriteUint64(w, uint64(n))
}

// ReadUint32 reads a word that must fit in 32 bits.
func ReadUint32(r io.Reader) (uint32, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if n>>32 != 0 {
		return 0, fmt.Errorf("%w: integer %d does not fit in 32 bits", ErrMalformed, n)
	}
	return uint32(n), nil
}

func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	return writePadding(w, uint64(len(s)))
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", fmt.Errorf("%w: string length %d exceeds limit %d", ErrMalformed, n, MaxStringLen)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", noEOF(err)
	}
	if err := readPadding(r, n); err != nil {
		return "", err
	}
	return string(buf), nil
}

func WriteStrings(w io.Writer, items []string) error {
	if err := WriteUint64(w, uint64(len(items))); err != nil {
		return err
	}
	for _, item := range items {
		if err := WriteString(w, item); err != nil {
			return err
		}
	}
	return nil
}

func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}

	// Grow by append: n comes from the peer.
	items := make([]string, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		item, err := ReadString(r)
		if err != nil {
			return nil, noEOF(err)
		}
		items = append(items, item)
	}
	return items, nil
}

// CopyBlob streams one length-prefixed payload from r into dst without
// buffering it whole. It returns the payload size.
func CopyBlob(dst io.Writer, r io.Reader) (int64, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%w: blob length %d", ErrMalformed, n)
	}

	copied, err := io.CopyN(dst, r, int64(n))
	if err != nil {
		return copied, noEOF(err)
	}
	if err := readPadding(r, n); err != nil {
		return copied, err
	}
	return copied, nil
}

// WriteBlob writes size bytes from src as one length-prefixed payload.
func WriteBlob(w io.Writer, size int64, src io.Reader) error {
	if size < 0 {
		return fmt.Errorf("%w: negative blob size %d", ErrMalformed, size)
	}
	if err := WriteUint64(w, uint64(size)); err != nil {
		return err
	}
	if _, err := io.CopyN(w, src, size); err != nil {
		return err
	}
	return writePadding(w, uint64(size))
}

func padding(n uint64) int {
	return int((wordSize - n%wordSize) % wordSize)
}

func writePadding(w io.Writer, n uint64) error {
	pad := padding(n)
	if pad == 0 {
		return nil
	}
	_, err := w.Write(zeroPad[:pad])
	return err
}

func readPadding(r io.Reader, n uint64) error {
	pad := padding(n)
	if pad == 0 {
		return nil
	}

	var buf [wordSize]byte
	if _, err := io.ReadFull(r, buf[:pad]); err != nil {
		return noEOF(err)
	}
	for _, b := range buf[:pad] {
		if b != 0 {
			return fmt.Errorf("%w: non-zero padding", ErrMalformed)
		}
	}
	return nil
}

// noEOF turns a clean EOF in the middle of a value into ErrUnexpectedEOF.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
