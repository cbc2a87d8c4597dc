package swchan

import (
	"context"
	"errors"
	"log"

	"github.com/sarchlab/pfmailbox/wire"
)

// DefaultFerryBufferSize is the initial read buffer of Ferry.
const DefaultFerryBufferSize = 4096

// An Endpoint hands out and takes whole framed messages. A Device is one; so
// is the pseudo-device file of a real driver.
type Endpoint interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	WriteContext(ctx context.Context, p []byte) (int, error)
}

type opener interface {
	Open()
	Close() error
}

// Ferry does the daemon's job for one direction: it moves every message src
// has to send into dst, until ctx is done or either side shuts down. Devices
// count as opened while Ferry runs. Messages dst refuses are dropped.
func Ferry(ctx context.Context, src, dst Endpoint, bufSize int) error {
	for _, e := range []Endpoint{src, dst} {
		if o, ok := e.(opener); ok {
			o.Open()
			defer o.Close()
		}
	}

	if bufSize < wire.SwHeaderSize {
		bufSize = DefaultFerryBufferSize
	}

	buf := make([]byte, bufSize)

	for {
		n, err := src.ReadContext(ctx, buf)
		if errors.Is(err, wire.ErrSize) && n == wire.SwHeaderSize {
			h, herr := wire.ParseSwHeader(buf)
			if herr != nil {
				return herr
			}

			buf = make([]byte, wire.SwHeaderSize+int(h.Size))

			continue
		}

		if err != nil {
			return err
		}

		_, err = dst.WriteContext(ctx, buf[:n])

		switch {
		case errors.Is(err, wire.ErrTransport), errors.Is(err, wire.ErrSize):
			log.Printf("ferry: dropping message: %v", err)
		case err != nil:
			return err
		}
	}
}
