package compress

import (
	"strings"

	"github.com/gorcnet/gorc/engine/gorclog"
)

// Compressor compresses and decompresses packet payloads. Implementations are
// not goroutine safe; the dispatcher owns one compressor per sender routine.
type Compressor interface {
	Compress(b []byte) ([]byte, error)
	Decompress(c []byte) ([]byte, error)
}

// NewCompressor creates the Compressor of the configured format
func NewCompressor(compressFormat string) Compressor {
	compressFormat = strings.ToLower(compressFormat)
	if compressFormat == "snappy" {
		return NewSnappyCompressor()
	} else if compressFormat == "flate" {
		return NewFlateCompressor()
	} else if compressFormat == "none" || compressFormat == "" {
		return noopCompressor{}
	} else {
		gorclog.Panicf("unknown compress format: %s", compressFormat)
		return nil
	}
}

type noopCompressor struct{}

func (noopCompressor) Compress(b []byte) ([]byte, error)   { return b, nil }
func (noopCompressor) Decompress(c []byte) ([]byte, error) { return c, nil }
