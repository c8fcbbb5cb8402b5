package squashfs

// C4: data and fragment writer. Full blocks are written directly by
// writeFileData in writer.go; this file handles the shared fragment area
// that packs multiple files' trailing partial blocks into one compressed
// block each, following the teacher's writeMetadataBlock compress-or-store
// convention (compare compressed vs. raw length, flag uncompressed in the
// size word's high bit) and the on-disk uncompressed flag used by
// inode.go's fragment read path (0x1000000).

// addFragment appends tail to the pending fragment buffer, flushing it
// first if tail would not fit. It returns the fragment block index (valid
// once flushed) and the byte offset of tail within that block. Since the
// fragment index isn't known until the buffer is flushed, callers receive
// a placeholder index that is corrected by flushFragment's caller pattern:
// Writer always flushes full buffers immediately, so the returned index
// always refers to either the already-flushed previous blocks or the
// about-to-be-flushed current one.
func (w *Writer) addFragment(tail []byte) (block uint32, offset uint32, err error) {
	if w.fragBuf.Len()+len(tail) > int(w.blockSize) {
		if err := w.flushFragment(); err != nil {
			return 0, 0, err
		}
	}

	offset = uint32(w.fragBuf.Len())
	block = uint32(len(w.fragments))
	w.fragBuf.Write(tail)

	if w.fragBuf.Len() >= int(w.blockSize) {
		if err := w.flushFragment(); err != nil {
			return 0, 0, err
		}
	}

	return block, offset, nil
}

// flushFragment compresses and writes out any pending fragment data as a
// new fragment block, recording its table entry.
func (w *Writer) flushFragment() error {
	if w.fragBuf.Len() == 0 {
		return nil
	}

	data := w.fragBuf.Bytes()
	start := w.offset

	compressed, cerr := w.comp.compress(data)
	var size uint32
	if cerr != nil || len(compressed) >= len(data) {
		if err := w.write(data); err != nil {
			return err
		}
		size = uint32(len(data)) | 0x1000000
	} else {
		if err := w.write(compressed); err != nil {
			return err
		}
		size = uint32(len(compressed))
	}

	w.fragments = append(w.fragments, fragmentEntry{start: start, size: size})
	w.fragBuf.Reset()
	return nil
}

// writeFragmentTable writes the fragment table using the same indirect
// metadata-block-of-pointers layout as writeIDTable, generalized to
// however many metadata blocks the fragment entries need (512 sixteen-byte
// entries per 8KiB metadata block).
func (w *Writer) writeFragmentTable() error {
	if len(w.fragments) == 0 {
		w.fragTableStart = noTableMarker
		return nil
	}

	const entriesPerBlock = maxMetadataBlockSize / 16

	var blockPointers []uint64
	for i := 0; i < len(w.fragments); i += entriesPerBlock {
		end := i + entriesPerBlock
		if end > len(w.fragments) {
			end = len(w.fragments)
		}

		buf := make([]byte, 0, (end-i)*16)
		for _, f := range w.fragments[i:end] {
			entry := make([]byte, 16)
			w.kind.typeEndian.PutUint64(entry[0:], f.start)
			w.kind.typeEndian.PutUint32(entry[8:], f.size)
			// bytes 12:16 unused
			buf = append(buf, entry...)
		}

		blockStart, err := w.writeMetadataBlock(buf)
		if err != nil {
			return err
		}
		blockPointers = append(blockPointers, blockStart)
	}

	w.fragTableStart = w.offset
	for _, ptr := range blockPointers {
		pointer := make([]byte, 8)
		w.kind.typeEndian.PutUint64(pointer, ptr)
		if err := w.write(pointer); err != nil {
			return err
		}
	}

	return nil
}

// noTableMarker is the sentinel value squashfs uses to mean "this table
// does not exist" for the fragment and NFS export table pointers.
const noTableMarker = 0xFFFFFFFFFFFFFFFF
