//go:build zstd

package squashfs

import "github.com/klauspost/compress/zstd"

func zstdCompress(buf []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(buf, nil), nil
}

func init() {
	RegisterCompHandler(ZSTD, &CompHandler{
		Compress:   zstdCompress,
		Decompress: MakeDecompressor(zstd.ZipDecompressor()),
	})
}
