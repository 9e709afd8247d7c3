package vbk

import (
	"github.com/fox-it/go-hypervisor/diskimage/herr"
	"github.com/fox-it/go-hypervisor/diskimage/lru"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

// metaTableDescriptor is MetaTableDescriptor: a pointer to one sub-table of
// FibMetaSparseTable, or an all-sparse marker when Page is -1.
type metaTableDescriptor struct {
	Page      int64
	BlockSize uint64
	Count     uint64
}

func decodeMetaTableDescriptor(buf []byte) metaTableDescriptor {
	return metaTableDescriptor{
		Page:      leInt64(buf[0:8]),
		BlockSize: leUint64(buf[8:16]),
		Count:     leUint64(buf[16:24]),
	}
}

// fibBlockDescriptor is FibBlockDescriptor/FibBlockDescriptorV7: where one
// block of a file's content lives.
type fibBlockDescriptor struct {
	BlockSize uint32
	Type      BlockLocationType
	BlockID   uint64
}

func decodeFibBlockDescriptor(isV7 bool) func([]byte) fibBlockDescriptor {
	return func(buf []byte) fibBlockDescriptor {
		var d fibBlockDescriptor
		d.BlockSize = leUint32(buf[0:4])
		d.Type = BlockLocationType(buf[4])
		d.BlockID = leUint64(buf[21:29])
		_ = isV7 // v7 only adds a trailing KeySetId, unused for block resolution
		return d
	}
}

// stgBlockDescriptor is StgBlockDescriptor/StgBlockDescriptorV7: where one
// deduplicated block's bytes live in the storage file.
type stgBlockDescriptor struct {
	Offset          int64
	CompressedSize  uint32
	SourceSize      uint32
	CompressionType CompressionType
}

func decodeStgBlockDescriptor(isV7 bool) func([]byte) stgBlockDescriptor {
	return func(buf []byte) stgBlockDescriptor {
		var d stgBlockDescriptor
		d.Offset = int64(leUint64(buf[5:13]))
		d.CompressionType = CompressionType(int8(buf[34]))
		d.CompressedSize = leUint32(buf[36:40])
		d.SourceSize = leUint32(buf[40:44])
		_ = isV7 // v7 only adds a trailing KeySetId, unused for block resolution
		return d
	}
}

func (d stgBlockDescriptor) isCompressed() bool { return d.CompressionType != CompressionPlain }

// blockStoreVector wraps the storage's array of StgBlockDescriptor entries,
// addressed directly by the numeric BlockID of a FibBlockDescriptor.
type blockStoreVector struct {
	v *vector[stgBlockDescriptor]
}

func (b *blockStoreVector) get(id uint64) (stgBlockDescriptor, error) {
	return b.v.get(int64(id))
}

// fibMetaSparseTable is FibMetaSparseTable: a two-level table of
// FibBlockDescriptor entries, grouped into sub-tables of up to
// fibMetaSparseTableMaxEntries each. A sub-table pointer of -1 means every
// block in that range is sparse.
type fibMetaSparseTable struct {
	a         *Archive
	isV7      bool
	fakeSparse fibBlockDescriptor

	descriptors *vector[metaTableDescriptor]

	openTables *lru.Cache[int64, *vector[fibBlockDescriptor]]
}

func newFibMetaSparseTable(a *Archive, page int64, count uint64) (*fibMetaSparseTable, error) {
	tableCount := (count + fibMetaSparseTableMaxEntries - 1) / fibMetaSparseTableMaxEntries
	descVec, err := newVector(a, metaTableDescriptorSize, decodeMetaTableDescriptor, page, tableCount)
	if err != nil {
		return nil, err
	}
	return &fibMetaSparseTable{
		a:    a,
		isV7: a.isV7(),
		fakeSparse: fibBlockDescriptor{
			BlockSize: uint32(a.blockSize),
			Type:      BlockSparse,
		},
		descriptors: descVec,
		openTables:  lru.New[int64, *vector[fibBlockDescriptor]](vectorCacheEntries),
	}, nil
}

func (t *fibMetaSparseTable) openTable(page int64, count uint64) (*vector[fibBlockDescriptor], error) {
	size := fibBlockDescriptorSize
	if t.isV7 {
		size = fibBlockDescriptorV7Size
	}
	return t.openTables.GetOrLoad(page, func() (*vector[fibBlockDescriptor], error) {
		return newVector(t.a, size, decodeFibBlockDescriptor(t.isV7), page, count)
	})
}

func (t *fibMetaSparseTable) get(idx int64) (fibBlockDescriptor, error) {
	tableIdx := idx / fibMetaSparseTableMaxEntries
	entryIdx := idx % fibMetaSparseTableMaxEntries

	desc, err := t.descriptors.get(tableIdx)
	if err != nil {
		return fibBlockDescriptor{}, err
	}
	if desc.Page == -1 {
		return t.fakeSparse, nil
	}
	table, err := t.openTable(desc.Page, desc.Count)
	if err != nil {
		return fibBlockDescriptor{}, err
	}
	return table.get(entryIdx)
}

// FibStream is the random-access content stream of an internal file (IntFib
// directory entry): its blocks are looked up through a FibMetaSparseTable
// and resolved into the storage file's deduplicated block store.
type FibStream struct {
	a     *Archive
	table *fibMetaSparseTable
	size  int64
}

func newFibStream(a *Archive, page int64, count uint64, size int64) (*FibStream, error) {
	table, err := newFibMetaSparseTable(a, page, count)
	if err != nil {
		return nil, err
	}
	return &FibStream{a: a, table: table, size: size}, nil
}

// Size implements stream.Decoder.
func (f *FibStream) Size() int64 { return f.size }

// Align implements stream.Decoder.
func (f *FibStream) Align() int64 { return f.a.blockSize }

// Reader returns the aligned read stream for this file's content.
func (f *FibStream) Reader() *stream.AlignedStream {
	return stream.NewAlignedStream(stream.NewTranslationStream(f, nil))
}

// Locate implements stream.Decoder.
func (f *FibStream) Locate(offset int64) (stream.Entry, int64, error) {
	blockSize := f.a.blockSize
	blockIdx := offset / blockSize
	offsetInBlock := offset % blockSize
	runLen := blockSize - offsetInBlock

	block, err := f.table.get(blockIdx)
	if err != nil {
		return stream.Entry{}, 0, err
	}

	switch block.Type {
	case BlockSparse:
		return stream.Entry{Kind: stream.KindZero}, runLen, nil

	case BlockNormal:
		stg, err := f.a.blockStore.get(block.BlockID)
		if err != nil {
			return stream.Entry{}, 0, err
		}
		if !stg.isCompressed() {
			return stream.Entry{Kind: stream.KindRaw, Source: f.a.source, Offset: stg.Offset}, runLen, nil
		}
		if stg.CompressionType != CompressionLZ4 {
			return stream.Entry{}, 0, herr.New(herr.Unsupported, "unsupported vbk block compression type %d", stg.CompressionType)
		}
		// The first 12 bytes of the compressed payload are an
		// Lz4BlockHeader (magic, CRC32C, source size); the LZ4 block
		// data itself follows.
		return stream.Entry{
			Kind:             stream.KindCompressed,
			Source:           f.a.source,
			Offset:           stg.Offset + 12,
			StoredSize:       int64(stg.CompressedSize) - 12,
			UncompressedSize: int64(stg.SourceSize),
			Algo:             stream.AlgoLZ4Block,
			OffsetInUnit:     offsetInBlock,
		}, runLen, nil

	case BlockReserved, BlockArchived, BlockInBlob, BlockInBlobReserved:
		return stream.Entry{}, 0, herr.New(herr.Unsupported, "unsupported vbk block location type %d", block.Type)

	default:
		return stream.Entry{}, 0, herr.New(herr.CorruptMetadata, "unknown vbk block location type %d", block.Type)
	}
}
