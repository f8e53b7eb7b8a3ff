package compress

import (
	"bytes"
	"io/ioutil"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// NewFlateCompressor creates a flate Compressor with reused writer state
func NewFlateCompressor() Compressor {
	fc := &flateCompressor{}
	var err error
	fc.writer, err = flate.NewWriter(&fc.buf, flate.BestSpeed)
	if err != nil {
		panic(err)
	}
	return fc
}

type flateCompressor struct {
	buf    bytes.Buffer
	writer *flate.Writer
}

func (fc *flateCompressor) Compress(b []byte) ([]byte, error) {
	fc.buf.Reset()
	fc.writer.Reset(&fc.buf)
	n, err := fc.writer.Write(b)
	if err != nil {
		return nil, errors.Wrap(err, "flate compress")
	}
	if n != len(b) {
		return nil, errors.Errorf("flate compress: wrote %d of %d bytes", n, len(b))
	}
	if err := fc.writer.Close(); err != nil {
		return nil, errors.Wrap(err, "flate compress")
	}
	out := make([]byte, fc.buf.Len())
	copy(out, fc.buf.Bytes())
	return out, nil
}

func (fc *flateCompressor) Decompress(c []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(c))
	defer r.Close()
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "flate decompress")
	}
	return b, nil
}
