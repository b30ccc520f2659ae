package sse

import (
	"context"
	"errors"
	"io"
)

// DefaultReadBuffer is the chunk size Pump reads with.
const DefaultReadBuffer = 4 * 1024

// Pump reads r chunk by chunk, feeds each chunk to d and hands every frame to
// fn in delivery order. It returns nil when r is exhausted or fn returns false,
// and the read error otherwise. ctx is checked between reads; blocking reads
// are interrupted by canceling the request that produced r.
//
// Frame handling happens synchronously on the calling goroutine.
func Pump(ctx context.Context, r io.Reader, d *Decoder, bufSize int, fn func(Frame) bool) error {
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}
	buf := make([]byte, bufSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range d.Feed(buf[:n]) {
				if !fn(f) {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, f := range d.Finish() {
					if !fn(f) {
						return nil
					}
				}
				return nil
			}
			return err
		}
	}
}
