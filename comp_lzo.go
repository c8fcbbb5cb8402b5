package squashfs

// LZO is declared in SquashComp for enum-completeness and so images
// compressed with LZO by other tools are at least recognized, but no
// compress or decompress handler is registered: there is no pure-Go LZO
// implementation in this module's dependency set. Reading an
// LZO-compressed block returns ErrUnsupportedCompression. Selecting LZO
// for a Writer does not fail: Finalize stores every block uncompressed.
