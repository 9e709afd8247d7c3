// Package asif decodes Apple Sparse Image Format (ASIF) disk images: a
// big-endian header naming two directories, each a versioned list of table
// chunk numbers, each table a list of data chunk numbers covering a fixed
// slice of the virtual disk. The directory with the higher version is
// active, allowing atomic updates of the directory/table structure.
package asif

import (
	"bytes"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/herr"
	"github.com/fox-it/go-hypervisor/diskimage/lru"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
	"github.com/micromdm/plist"
)

const (
	headerSignature     = 0x73686477 // 'shdw'
	metaHeaderSignature = 0x6d657461 // 'meta'

	// headerReadSize covers every header field this package uses. The
	// on-disk struct continues for a further 28 reserved/flag bytes this
	// package never reads.
	headerReadSize = 80

	metaHeaderReadSize = 20 // signature + version + header_size + data_size

	// dataChunkMask isolates a table entry's 55-bit chunk number from the
	// high bits used as content-dirty/entry-dirty/reserved flags.
	dataChunkMask = 0x007FFFFFFFFFFFFF

	tableCacheEntries = 128
)

func beUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	return uint64(beUint32(b[0:4]))<<32 | uint64(beUint32(b[4:8]))
}

type header struct {
	Signature        uint32
	DirectoryOffsets [2]uint64
	GUID             [16]byte
	SectorCount      uint64
	MaxSectorCount   uint64
	ChunkSize        uint32
	BlockSize        uint16
	MetadataChunk    uint64
}

func parseHeader(buf []byte) header {
	var h header
	h.Signature = beUint32(buf[0:4])
	h.DirectoryOffsets[0] = beUint64(buf[16:24])
	h.DirectoryOffsets[1] = beUint64(buf[24:32])
	copy(h.GUID[:], buf[32:48])
	h.SectorCount = beUint64(buf[48:56])
	h.MaxSectorCount = beUint64(buf[56:64])
	h.ChunkSize = beUint32(buf[64:68])
	h.BlockSize = beUint16(buf[68:70])
	h.MetadataChunk = beUint64(buf[72:80])
	return h
}

// Image is an open ASIF disk.
type Image struct {
	source bytesource.ByteSource
	header header

	blockSize int64
	chunkSize int64
	size      int64
	maxSize   int64

	blocksPerChunk          int64
	numReservedTableEntries int64
	numTableEntries         int64
	sizePerTable            int64
	numDirectoryEntries     int64

	directory *directory
}

// Open parses src as an ASIF image and selects the directory with the
// higher version as active, per asif.py's ASIF.__init__.
func Open(src bytesource.ByteSource) (*Image, error) {
	buf, err := bytesource.ReadFull(src, 0, headerReadSize)
	if err != nil {
		return nil, err
	}
	h := parseHeader(buf)
	if h.Signature != headerSignature {
		return nil, herr.New(herr.InvalidSignature, "invalid asif header signature %#x", h.Signature)
	}
	if h.BlockSize == 0 || h.ChunkSize == 0 {
		return nil, herr.New(herr.InvalidHeader, "asif header has zero block or chunk size")
	}

	img := &Image{
		source:    src,
		header:    h,
		blockSize: int64(h.BlockSize),
		chunkSize: int64(h.ChunkSize),
		size:      int64(h.SectorCount) * int64(h.BlockSize),
		maxSize:   int64(h.MaxSectorCount) * int64(h.BlockSize),
	}

	img.blocksPerChunk = img.chunkSize / img.blockSize

	// This check doesn't really constrain anything in practice (4*chunkSize
	// virtually always exceeds blocksPerChunk), but it mirrors the reference
	// reader's own derivation exactly.
	reservedSize := 4 * img.chunkSize
	if reservedSize < img.blocksPerChunk {
		img.numReservedTableEntries = 1
	} else {
		img.numReservedTableEntries = reservedSize / img.blocksPerChunk
	}

	maxTableEntries := img.chunkSize >> 3
	img.numTableEntries = maxTableEntries - maxTableEntries%(img.numReservedTableEntries+1)
	numReservedDirectoryEntries := (img.numReservedTableEntries + img.numTableEntries) / (img.numReservedTableEntries + 1)
	numUsableEntries := img.numTableEntries - numReservedDirectoryEntries
	img.sizePerTable = numUsableEntries * img.chunkSize

	img.numDirectoryEntries = (img.sizePerTable + img.maxSize - 1) / img.sizePerTable

	var active *directory
	for _, offset := range h.DirectoryOffsets {
		d, err := newDirectory(img, int64(offset))
		if err != nil {
			return nil, err
		}
		if active == nil || d.version > active.version {
			active = d
		}
	}
	img.directory = active

	return img, nil
}

// Close closes the underlying source.
func (img *Image) Close() error { return img.source.Close() }

// Stream returns the logical read stream for this image. ASIF has no
// parent/backing-file concept, so there is never a parent to wire in.
func (img *Image) Stream() *stream.TranslationStream {
	return stream.NewTranslationStream(img, nil)
}

// Size implements stream.Decoder.
func (img *Image) Size() int64 { return img.size }

// Align implements stream.Decoder.
func (img *Image) Align() int64 { return img.chunkSize }

// Locate implements stream.Decoder.
func (img *Image) Locate(offset int64) (stream.Entry, int64, error) {
	return img.locate(img.directory, offset)
}

// locate is shared between the normal (sector_count-bounded) view and the
// reserved (max_sector_count-bounded) view used to read the metadata chunk,
// per asif.py's DataStream._read.
func (img *Image) locate(dir *directory, offset int64) (stream.Entry, int64, error) {
	tableIdx := offset / img.sizePerTable
	tbl, err := dir.table(tableIdx)
	if err != nil {
		return stream.Entry{}, 0, err
	}

	offsetInChunk := offset % img.chunkSize
	relativeBlockIndex := (offset / img.blockSize) - (tbl.virtualOffset / img.blockSize)
	chunkIdx := relativeBlockIndex / img.blocksPerChunk
	dataIdx := (chunkIdx + chunkIdx*img.numReservedTableEntries) / img.numReservedTableEntries

	if dataIdx < 0 || dataIdx >= int64(len(tbl.entries)) {
		return stream.Entry{}, 0, herr.New(herr.OutOfRange, "asif data entry %d out of range (max %d)", dataIdx, len(tbl.entries)-1)
	}

	chunk := tbl.entries[dataIdx] & dataChunkMask
	runLen := img.chunkSize - offsetInChunk

	if chunk == 0 {
		return stream.Entry{Kind: stream.KindZero}, runLen, nil
	}
	hostOffset := int64(chunk)*img.chunkSize + offsetInChunk
	return stream.Entry{Kind: stream.KindRaw, Source: img.source, Offset: hostOffset}, runLen, nil
}

// directory is a versioned list of table chunk numbers.
type directory struct {
	offset  int64
	version uint64
	entries []uint64

	img   *Image
	cache *lru.Cache[int64, *table]
}

func newDirectory(img *Image, offset int64) (*directory, error) {
	buf, err := bytesource.ReadFull(img.source, offset, 8+int(img.numDirectoryEntries)*8)
	if err != nil {
		return nil, err
	}
	d := &directory{
		offset:  offset,
		version: beUint64(buf[0:8]),
		img:     img,
		cache:   lru.New[int64, *table](tableCacheEntries),
	}
	d.entries = make([]uint64, img.numDirectoryEntries)
	for i := range d.entries {
		d.entries[i] = beUint64(buf[8+i*8:])
	}
	return d, nil
}

func (d *directory) table(index int64) (*table, error) {
	if index < 0 || index >= int64(len(d.entries)) {
		return nil, herr.New(herr.OutOfRange, "asif table index %d out of range (max %d)", index, len(d.entries)-1)
	}
	return d.cache.GetOrLoad(index, func() (*table, error) {
		return newTable(d, index)
	})
}

// table is a list of data chunk numbers covering sizePerTable bytes of the
// virtual disk starting at virtualOffset.
type table struct {
	virtualOffset int64
	entries       []uint64
}

func newTable(d *directory, index int64) (*table, error) {
	offset := int64(d.entries[index]) * d.img.chunkSize
	buf, err := bytesource.ReadFull(d.img.source, offset, int(d.img.numTableEntries)*8)
	if err != nil {
		return nil, err
	}
	entries := make([]uint64, d.img.numTableEntries)
	for i := range entries {
		entries[i] = beUint64(buf[i*8:])
	}
	return &table{virtualOffset: index * d.img.sizePerTable, entries: entries}, nil
}

// reservedView exposes the image through its max_sector_count-bounded size
// rather than sector_count, for reading the metadata chunk that lives past
// the logical end of the disk but within its reserved growth area.
type reservedView struct{ img *Image }

func (r *reservedView) Size() int64  { return r.img.maxSize }
func (r *reservedView) Align() int64 { return r.img.chunkSize }
func (r *reservedView) Locate(offset int64) (stream.Entry, int64, error) {
	return r.img.locate(r.img.directory, offset)
}

// Metadata is the optional plist payload stored in an ASIF image's
// reserved metadata chunk.
type Metadata struct {
	Internal map[string]any
	User     map[string]any
}

// Metadata reads and parses the image's metadata chunk, returning nil if
// the header doesn't record one.
func (img *Image) Metadata() (*Metadata, error) {
	if img.header.MetadataChunk == 0 {
		return nil, nil
	}

	as := stream.NewAlignedStream(stream.NewTranslationStream(&reservedView{img: img}, nil))
	metaOffset := int64(img.header.MetadataChunk) * img.chunkSize

	hdrBuf, err := as.ReadAt(metaOffset, metaHeaderReadSize)
	if err != nil {
		return nil, err
	}
	if len(hdrBuf) < metaHeaderReadSize {
		return nil, herr.New(herr.CorruptMetadata, "truncated asif metadata header")
	}
	if sig := beUint32(hdrBuf[0:4]); sig != metaHeaderSignature {
		return nil, herr.New(herr.InvalidSignature, "invalid asif metadata header signature %#x", sig)
	}
	hdrSize := beUint32(hdrBuf[8:12])
	dataSize := beUint64(hdrBuf[12:20])

	raw, err := as.ReadAt(metaOffset+int64(hdrSize), int64(dataSize))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimRight(raw, "\x00")

	var root map[string]any
	if bytes.HasPrefix(raw, []byte("bplist00")) {
		if err := plist.NewBinaryDecoder(bytes.NewReader(raw)).Decode(&root); err != nil {
			return nil, herr.Wrap(herr.CorruptMetadata, err, "decode asif metadata plist")
		}
	} else {
		if err := plist.NewXMLDecoder(bytes.NewReader(raw)).Decode(&root); err != nil {
			return nil, herr.Wrap(herr.CorruptMetadata, err, "decode asif metadata plist")
		}
	}

	md := &Metadata{}
	if v, ok := root["internal metadata"].(map[string]any); ok {
		md.Internal = v
	}
	if v, ok := root["user metadata"].(map[string]any); ok {
		md.User = v
	}
	return md, nil
}
