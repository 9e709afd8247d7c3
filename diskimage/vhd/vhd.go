// Package vhd decodes legacy Microsoft Virtual PC/Virtual Server VHD disk
// images: a big-endian footer (at the end of the file, fixed or dynamic),
// and for dynamic disks a block allocation table of big-endian sector
// offsets into per-block sector bitmaps and data.
package vhd

import (
	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/herr"
	"github.com/fox-it/go-hypervisor/diskimage/lru"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

const (
	sectorSize = 512

	footerSize    = 512
	footerSizeOld = 511

	diskTypeFixed        = 2
	diskTypeDynamic      = 3
	diskTypeDifferencing = 4

	unallocatedSector = 0xFFFFFFFF

	batCacheEntries = 4096
)

func beUint32(b []byte) uint32 {
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
}

func beUint64(b []byte) uint64 {
	return uint64(beUint32(b[4:])) | uint64(beUint32(b))<<32
}

type footer struct {
	Cookie     [8]byte
	Features   uint32
	DataOffset uint64
	DiskType   uint32
	Size       uint64
}

// readFooter locates the 512-byte footer at the end of the file, falling
// back to the 511-byte layout Virtual PC 2004 and earlier wrote when the
// "reserved" feature bit isn't set.
func readFooter(src bytesource.ByteSource) (footer, int64, error) {
	size := src.Size()
	if size < footerSize {
		return footer{}, 0, herr.New(herr.InvalidHeader, "file too small to contain a vhd footer")
	}

	f, err := parseFooterAt(src, size-footerSize)
	if err == nil && f.Features&0x2 != 0 {
		return f, size - footerSize, nil
	}
	if size >= footerSizeOld {
		if f2, err2 := parseFooterAt(src, size-footerSizeOld); err2 == nil {
			return f2, size - footerSizeOld, nil
		}
	}
	if err != nil {
		return footer{}, 0, err
	}
	return f, size - footerSize, nil
}

func parseFooterAt(src bytesource.ByteSource, offset int64) (footer, error) {
	buf, err := bytesource.ReadFull(src, offset, 85)
	if err != nil {
		return footer{}, err
	}
	var f footer
	copy(f.Cookie[:], buf[0:8])
	if string(f.Cookie[:]) != "conectix" {
		return footer{}, herr.New(herr.InvalidSignature, "invalid vhd footer cookie %q", f.Cookie[:])
	}
	f.Features = beUint32(buf[8:12])
	f.DataOffset = beUint64(buf[16:24])
	f.Size = beUint64(buf[48:56])
	f.DiskType = beUint32(buf[60:64])
	return f, nil
}

type dynamicHeader struct {
	TableOffset     uint64
	MaxTableEntries uint32
	BlockSize       uint32
}

func parseDynamicHeader(src bytesource.ByteSource, offset int64) (dynamicHeader, error) {
	// cookie(8) + data_offset(8) + table_offset(8) + header_version(4) +
	// max_table_entries(4) + block_size(4) = 36 bytes.
	buf, err := bytesource.ReadFull(src, offset, 36)
	if err != nil {
		return dynamicHeader{}, err
	}
	if string(buf[0:8]) != "cxsparse" {
		return dynamicHeader{}, herr.New(herr.InvalidSignature, "invalid vhd dynamic header cookie %q", buf[0:8])
	}
	return dynamicHeader{
		TableOffset:     beUint64(buf[16:24]),
		MaxTableEntries: beUint32(buf[28:32]),
		BlockSize:       beUint32(buf[32:36]),
	}, nil
}

// blockAllocationTable caches big-endian uint32 sector-offset entries,
// grounded on original_source/disk/vhd.py's BlockAllocationTable.
type blockAllocationTable struct {
	source     bytesource.ByteSource
	offset     int64
	maxEntries int64
	cache      *lru.Cache[int64, uint32]
}

func newBAT(src bytesource.ByteSource, offset int64, maxEntries int64) *blockAllocationTable {
	return &blockAllocationTable{
		source: src, offset: offset, maxEntries: maxEntries,
		cache: lru.New[int64, uint32](batCacheEntries),
	}
}

func (b *blockAllocationTable) get(block int64) (uint32, error) {
	if block+1 > b.maxEntries {
		return 0, herr.New(herr.OutOfRange, "invalid block %d (max block is %d)", block, b.maxEntries-1)
	}
	return b.cache.GetOrLoad(block, func() (uint32, error) {
		buf, err := bytesource.ReadFull(b.source, b.offset+block*4, 4)
		if err != nil {
			return 0, err
		}
		return beUint32(buf), nil
	})
}

// Options configures how an Image is opened.
type Options struct {
	// Parent backs reads of unallocated blocks in a dynamic or differencing
	// disk whose parent chain the caller has already resolved. May be nil.
	//
	// The reference reader this package is grounded on never parses a
	// differencing disk's parent_locators itself (it only distinguishes
	// fixed from dynamic via the footer's data_offset sentinel), so this
	// module doesn't either; a caller that has matched a VHD to its parent
	// out of band can still wire the resulting stream in here.
	Parent stream.Parent
}

// Image is an open VHD file.
type Image struct {
	source bytesource.ByteSource
	footer footer

	fixed bool

	blockSize        int64
	sectorsPerBlock  int64
	sectorBitmapSize int64 // sectors
	bat              *blockAllocationTable
	parent           stream.Parent
}

// Open parses src as a VHD image.
func Open(src bytesource.ByteSource, opts Options) (*Image, error) {
	f, _, err := readFooter(src)
	if err != nil {
		return nil, err
	}
	if f.DiskType != diskTypeFixed && f.DiskType != diskTypeDynamic && f.DiskType != diskTypeDifferencing {
		return nil, herr.New(herr.Unsupported, "unsupported vhd disk type %d", f.DiskType)
	}

	img := &Image{source: src, footer: f, parent: opts.Parent}

	if f.DataOffset == 0xFFFFFFFFFFFFFFFF {
		img.fixed = true
		return img, nil
	}

	hdr, err := parseDynamicHeader(src, int64(f.DataOffset))
	if err != nil {
		return nil, err
	}
	if hdr.BlockSize == 0 {
		return nil, herr.New(herr.InvalidHeader, "vhd dynamic header has zero block size")
	}
	img.blockSize = int64(hdr.BlockSize)
	img.sectorsPerBlock = img.blockSize / sectorSize
	img.sectorBitmapSize = (img.sectorsPerBlock/8 + sectorSize - 1) / sectorSize
	img.bat = newBAT(src, int64(hdr.TableOffset), int64(hdr.MaxTableEntries))

	return img, nil
}

// Close closes the underlying source.
func (img *Image) Close() error { return img.source.Close() }

// Stream returns the logical read stream for this image.
func (img *Image) Stream() *stream.TranslationStream {
	return stream.NewTranslationStream(img, img.parent)
}

// Size implements stream.Decoder.
func (img *Image) Size() int64 { return int64(img.footer.Size) }

// Align implements stream.Decoder.
func (img *Image) Align() int64 {
	if img.fixed {
		return sectorSize
	}
	return img.blockSize
}

// Locate implements stream.Decoder. A fixed disk reads verbatim from the
// start of the file; a dynamic disk indexes the BAT by block, with an
// unallocated entry deferring to the parent (zero-filled without one) and
// an allocated entry's data following the block's sector bitmap.
func (img *Image) Locate(offset int64) (stream.Entry, int64, error) {
	if img.fixed {
		runLen := img.Size() - offset
		return stream.Entry{Kind: stream.KindRaw, Source: img.source, Offset: offset}, runLen, nil
	}

	block := offset / img.blockSize
	blockOffset := offset % img.blockSize
	runLen := img.blockSize - blockOffset

	sectorOffset, err := img.bat.get(block)
	if err != nil {
		return stream.Entry{}, 0, err
	}
	if sectorOffset == unallocatedSector {
		return stream.Entry{Kind: stream.KindAbsent}, runLen, nil
	}

	hostOffset := int64(sectorOffset)*sectorSize + img.sectorBitmapSize*sectorSize + blockOffset
	return stream.Entry{Kind: stream.KindRaw, Source: img.source, Offset: hostOffset}, runLen, nil
}
