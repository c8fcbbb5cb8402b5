package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// GZip in squashfs is actually zlib/DEFLATE (RFC1950), not gzip (RFC1952);
// the name comes from the original C tool's compressor id. This is the
// default compressor and carries no build tag, unlike xz/zstd/lz4.
func gzipCompress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		Compress: gzipCompress,
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
			return zlib.NewReader(r)
		}),
	})
}
