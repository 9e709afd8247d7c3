// Package vhdx decodes Hyper-V VHDX disk images: dual-redundant
// header/region-table structures, a GUID-keyed metadata table, an
// interleaved block-allocation table of payload-block and sector-bitmap
// entries, and differencing-disk parent-locator chains.
package vhdx

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/container"
	"github.com/fox-it/go-hypervisor/diskimage/herr"
	"github.com/fox-it/go-hypervisor/diskimage/lru"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

const (
	alignment = 64 * 1024
	mb        = 1024 * 1024

	batCacheEntries = 4096
)

// Payload block states (bat_entry.state, bits 0-2).
const (
	payloadNotPresent       = 0
	payloadUndefined        = 1
	payloadZero             = 2
	payloadUnmapped         = 3
	payloadFullyPresent     = 6
	payloadPartiallyPresent = 7
)

// guidLE is a GUID's on-disk mixed-endian (bytes_le) byte layout.
type guidLE [16]byte

func (g guidLE) String() string { return fmt.Sprintf("%x", [16]byte(g)) }

// leBytes permutes a standard (big-endian wire order) UUID into VHDX's
// on-disk mixed-endian encoding: the first three components (time_low,
// time_mid, time_hi_and_version) are stored little-endian; the clock
// sequence and node remain as-is.
func leBytes(u uuid.UUID) guidLE {
	b := [16]byte(u)
	var out guidLE
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

var (
	batRegionGUID       = leBytes(uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08"))
	fileParametersGUID  = leBytes(uuid.MustParse("CAA16737-FA36-4D43-B3B6-33F0AA44E76B"))
	logicalSectorGUID   = leBytes(uuid.MustParse("8141BF1D-A96F-4709-BA47-F233A8FAAB5F"))
	metadataRegionGUID  = leBytes(uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E"))
	parentLocatorGUID   = leBytes(uuid.MustParse("A8D35F2D-B30B-454D-ABF7-D3D84834AB0C"))
	physicalSectorGUID  = leBytes(uuid.MustParse("CDA348C7-445D-4471-9CC9-E9885251C556"))
	virtualDiskIDGUID   = leBytes(uuid.MustParse("BECA12AB-B2E6-4523-93EF-C309E000C746"))
	virtualDiskSizeGUID = leBytes(uuid.MustParse("2FA54224-CD1B-4876-B211-5DBED83BF4B8"))

	vhdxParentLocatorGUID = leBytes(uuid.MustParse("B04AEFB7-D19E-4A81-B789-25B8E9445913"))
)

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b)) | uint64(leUint32(b[4:]))<<32
}

type header struct {
	Signature      [4]byte
	SequenceNumber uint64
}

func parseHeader(buf []byte) header {
	var h header
	copy(h.Signature[:], buf[0:4])
	h.SequenceNumber = leUint64(buf[8:16])
	return h
}

type regionTableEntry struct {
	GUID       guidLE
	FileOffset uint64
	Length     uint32
}

// regionTable parses one copy of the region table and exposes lookup by
// GUID, grounded on original_source's RegionTable.
type regionTable struct {
	entries []regionTableEntry
}

func parseRegionTable(src bytesource.ByteSource, offset int64) (*regionTable, error) {
	hdrBuf, err := bytesource.ReadFull(src, offset, 16)
	if err != nil {
		return nil, err
	}
	if string(hdrBuf[0:4]) != "regi" {
		return nil, herr.New(herr.InvalidSignature, "invalid region table signature %q", hdrBuf[0:4])
	}
	count := leUint32(hdrBuf[8:12])

	rt := &regionTable{entries: make([]regionTableEntry, count)}
	buf, err := bytesource.ReadFull(src, offset+16, int(count)*32)
	if err != nil {
		return nil, err
	}
	for i := range rt.entries {
		off := i * 32
		var g guidLE
		copy(g[:], buf[off:off+16])
		rt.entries[i] = regionTableEntry{
			GUID:       g,
			FileOffset: leUint64(buf[off+16 : off+24]),
			Length:     leUint32(buf[off+24 : off+28]),
		}
	}
	return rt, nil
}

func (rt *regionTable) get(guid guidLE) (regionTableEntry, bool) {
	for _, e := range rt.entries {
		if e.GUID == guid {
			return e, true
		}
	}
	return regionTableEntry{}, false
}

type metadataEntry struct {
	ItemID guidLE
	Offset uint32
	Length uint32
}

type metadataTable struct {
	entries []metadataEntry
	base    int64
}

func parseMetadataTable(src bytesource.ByteSource, offset int64, length uint32) (*metadataTable, error) {
	hdrBuf, err := bytesource.ReadFull(src, offset, 32)
	if err != nil {
		return nil, err
	}
	if string(hdrBuf[0:8]) != "metadata" {
		return nil, herr.New(herr.InvalidSignature, "invalid metadata table signature %q", hdrBuf[0:8])
	}
	count := leUint16(hdrBuf[10:12])

	mt := &metadataTable{entries: make([]metadataEntry, count), base: offset}
	buf, err := bytesource.ReadFull(src, offset+32, int(count)*24)
	if err != nil {
		return nil, err
	}
	for i := range mt.entries {
		off := i * 24
		var g guidLE
		copy(g[:], buf[off:off+16])
		mt.entries[i] = metadataEntry{
			ItemID: g,
			Offset: leUint32(buf[off+16 : off+20]),
			Length: leUint32(buf[off+20 : off+24]),
		}
	}
	return mt, nil
}

func (mt *metadataTable) get(guid guidLE) (metadataEntry, bool) {
	for _, e := range mt.entries {
		if e.ItemID == guid {
			return e, true
		}
	}
	return metadataEntry{}, false
}

func (mt *metadataTable) readValue(src bytesource.ByteSource, guid guidLE, length int) ([]byte, error) {
	e, ok := mt.get(guid)
	if !ok {
		return nil, herr.New(herr.CorruptMetadata, "missing required metadata item %s", guid)
	}
	return bytesource.ReadFull(src, mt.base+int64(e.Offset), length)
}

// batEntry is a decoded bat_entry bitfield: state in the low 3 bits,
// file_offset_mb in the high 44 bits.
type batEntry struct {
	State        uint8
	FileOffsetMB uint64
}

func parseBatEntry(raw uint64) batEntry {
	return batEntry{State: uint8(raw & 0x7), FileOffsetMB: raw >> 20}
}

type blockAllocationTable struct {
	source     bytesource.ByteSource
	offset     int64
	chunkRatio int64
	entryCount int64
	cache      *lru.Cache[int64, batEntry]
}

func newBAT(src bytesource.ByteSource, offset int64, chunkRatio, diskSize, blockSize int64, hasParent bool) *blockAllocationTable {
	pbCount := (diskSize + blockSize - 1) / blockSize
	sbCount := (pbCount + chunkRatio - 1) / chunkRatio

	var entryCount int64
	if hasParent {
		entryCount = sbCount * (chunkRatio + 1)
	} else {
		entryCount = pbCount + (pbCount-1)/chunkRatio
	}

	return &blockAllocationTable{
		source: src, offset: offset, chunkRatio: chunkRatio, entryCount: entryCount,
		cache: lru.New[int64, batEntry](batCacheEntries),
	}
}

func (b *blockAllocationTable) get(index int64) (batEntry, error) {
	if index+1 > b.entryCount {
		return batEntry{}, herr.New(herr.OutOfRange, "bat entry %d out of range (max %d)", index, b.entryCount-1)
	}
	return b.cache.GetOrLoad(index, func() (batEntry, error) {
		buf, err := bytesource.ReadFull(b.source, b.offset+index*8, 8)
		if err != nil {
			return batEntry{}, err
		}
		return parseBatEntry(leUint64(buf)), nil
	})
}

// pb returns the payload-block entry for block, accounting for the
// interleaved sector-bitmap entries preceding it.
func (b *blockAllocationTable) pb(block int64) (batEntry, error) {
	sbEntries := block / b.chunkRatio
	return b.get(block + sbEntries)
}

// sb returns the sector-bitmap entry covering block's chunk.
func (b *blockAllocationTable) sb(block int64) (batEntry, error) {
	numSB := block / b.chunkRatio
	return b.get((numSB+1)*b.chunkRatio + numSB)
}

// Options configures how an Image is opened.
type Options struct {
	// Opener resolves a differencing disk's parent path. Defaults to
	// container.OSOpener.
	Opener container.FileOpener
}

// Image is an open VHDX file.
type Image struct {
	source bytesource.ByteSource
	path   string
	opts   Options

	diskSize        int64
	blockSize       int64
	logicalSectorSz int64
	hasParent       bool
	sectorsPerBlock int64
	chunkRatio      int64

	bat    *blockAllocationTable
	parent stream.Parent
}

// Open parses src as a VHDX image. path is used to resolve a differencing
// disk's parent locator; it may be empty if the image has no parent.
func Open(src bytesource.ByteSource, path string, opts Options) (*Image, error) {
	if opts.Opener == nil {
		opts.Opener = container.OSOpener{}
	}

	idBuf, err := bytesource.ReadFull(src, 0, 8)
	if err != nil {
		return nil, err
	}
	if string(idBuf) != "vhdxfile" {
		return nil, herr.New(herr.InvalidSignature, "invalid vhdx file identifier %q", idBuf)
	}

	h1Buf, err := bytesource.ReadFull(src, 1*alignment, 16)
	if err != nil {
		return nil, err
	}
	h2Buf, err := bytesource.ReadFull(src, 2*alignment, 16)
	if err != nil {
		return nil, err
	}
	h1, h2 := parseHeader(h1Buf), parseHeader(h2Buf)
	hdr := h1
	if h2.SequenceNumber > h1.SequenceNumber {
		hdr = h2
	}
	if string(hdr.Signature[:]) != "head" {
		return nil, herr.New(herr.InvalidSignature, "invalid vhdx header signature %q", hdr.Signature[:])
	}

	regionTbl, err := parseRegionTable(src, 3*alignment)
	if err != nil {
		return nil, err
	}

	metaRegion, ok := regionTbl.get(metadataRegionGUID)
	if !ok {
		return nil, herr.New(herr.CorruptMetadata, "vhdx image has no metadata region")
	}
	metaTbl, err := parseMetadataTable(src, int64(metaRegion.FileOffset), metaRegion.Length)
	if err != nil {
		return nil, err
	}

	sizeBuf, err := metaTbl.readValue(src, virtualDiskSizeGUID, 8)
	if err != nil {
		return nil, err
	}
	fileParamsBuf, err := metaTbl.readValue(src, fileParametersGUID, 8)
	if err != nil {
		return nil, err
	}
	sectorSizeBuf, err := metaTbl.readValue(src, logicalSectorGUID, 4)
	if err != nil {
		return nil, err
	}

	img := &Image{
		source:          src,
		path:            path,
		opts:            opts,
		diskSize:        int64(leUint64(sizeBuf)),
		blockSize:       int64(leUint32(fileParamsBuf[0:4])),
		logicalSectorSz: int64(leUint32(sectorSizeBuf)),
		hasParent:       leUint32(fileParamsBuf[4:8])&0x2 != 0,
	}
	if img.blockSize == 0 || img.logicalSectorSz == 0 {
		return nil, herr.New(herr.InvalidHeader, "vhdx metadata has zero block or sector size")
	}
	img.sectorsPerBlock = img.blockSize / img.logicalSectorSz
	img.chunkRatio = ((int64(1) << 23) * img.logicalSectorSz) / img.blockSize

	if img.hasParent {
		locEntry, ok := metaTbl.get(parentLocatorGUID)
		if !ok {
			return nil, herr.New(herr.CorruptMetadata, "vhdx differencing disk has no parent locator")
		}
		locator, err := parseParentLocator(src, metaTbl.base+int64(locEntry.Offset))
		if err != nil {
			return nil, err
		}
		if locator.locatorType != vhdxParentLocatorGUID {
			return nil, herr.New(herr.Unsupported, "unsupported vhdx parent locator type")
		}
		parent, err := openParent(opts.Opener, path, locator.entries)
		if err != nil {
			return nil, err
		}
		img.parent = parent
	}

	batRegion, ok := regionTbl.get(batRegionGUID)
	if !ok {
		return nil, herr.New(herr.CorruptMetadata, "vhdx image has no BAT region")
	}
	img.bat = newBAT(src, int64(batRegion.FileOffset), img.chunkRatio, img.diskSize, img.blockSize, img.hasParent)

	return img, nil
}

// Close closes the underlying source only; an opened parent image is not
// closed.
func (img *Image) Close() error { return img.source.Close() }

// Stream returns the logical read stream for this image.
func (img *Image) Stream() *stream.TranslationStream {
	return stream.NewTranslationStream(img, img.parent)
}

// Size implements stream.Decoder.
func (img *Image) Size() int64 { return img.diskSize }

// Align implements stream.Decoder.
func (img *Image) Align() int64 { return img.logicalSectorSz }

// Locate implements stream.Decoder per spec §4.2.2/§4.6: a payload block is
// not-present (defers to parent), zero (zero/undefined/unmapped), fully present
// (raw read), or partially present (per-sector bitmap run coalescing).
func (img *Image) Locate(offset int64) (stream.Entry, int64, error) {
	sector := offset / img.logicalSectorSz
	block := sector / img.sectorsPerBlock
	sectorInBlock := sector % img.sectorsPerBlock
	remainingSectors := img.sectorsPerBlock - sectorInBlock
	runLen := remainingSectors * img.logicalSectorSz

	entry, err := img.bat.pb(block)
	if err != nil {
		return stream.Entry{}, 0, err
	}

	switch entry.State {
	case payloadNotPresent:
		return stream.Entry{Kind: stream.KindAbsent}, runLen, nil
	case payloadZero, payloadUndefined, payloadUnmapped:
		return stream.Entry{Kind: stream.KindZero}, runLen, nil
	case payloadFullyPresent:
		hostOffset := entry.FileOffsetMB*mb + uint64(sectorInBlock)*uint64(img.logicalSectorSz)
		return stream.Entry{Kind: stream.KindRaw, Source: img.source, Offset: int64(hostOffset)}, runLen, nil
	case payloadPartiallyPresent:
		return img.locatePartial(block, sectorInBlock, remainingSectors, entry)
	default:
		return stream.Entry{Kind: stream.KindInvalid}, 1, nil
	}
}

func (img *Image) locatePartial(block, sectorInBlock, remainingSectors int64, pbEntry batEntry) (stream.Entry, int64, error) {
	sbEntry, err := img.bat.sb(block)
	if err != nil {
		return stream.Entry{}, 0, err
	}

	blockInChunk := block % img.chunkRatio
	sectorInChunk := blockInChunk*img.sectorsPerBlock + sectorInBlock
	byteIdx := sectorInChunk / 8
	bitIdx := uint(sectorInChunk % 8)

	nBytes := (bitIdx + uint(remainingSectors) + 7) / 8
	bitmap, err := bytesource.ReadFull(img.source, int64(sbEntry.FileOffsetMB)*mb+byteIdx, int(nBytes))
	if err != nil {
		return stream.Entry{}, 0, err
	}

	bitAt := func(n uint) bool {
		byteOff := n / 8
		bit := n % 8
		return bitmap[byteOff]&(1<<bit) != 0
	}

	present := bitAt(bitIdx)
	run := int64(1)
	for i := int64(1); i < remainingSectors; i++ {
		if bitAt(bitIdx+uint(i)) != present {
			break
		}
		run++
	}
	runLen := run * img.logicalSectorSz

	if present {
		hostOffset := pbEntry.FileOffsetMB*mb + uint64(sectorInBlock)*uint64(img.logicalSectorSz)
		return stream.Entry{Kind: stream.KindRaw, Source: img.source, Offset: int64(hostOffset)}, runLen, nil
	}
	return stream.Entry{Kind: stream.KindAbsent}, runLen, nil
}

type parentLocator struct {
	locatorType guidLE
	entries     map[string]string
}

func parseParentLocator(src bytesource.ByteSource, offset int64) (*parentLocator, error) {
	hdrBuf, err := bytesource.ReadFull(src, offset, 20)
	if err != nil {
		return nil, err
	}
	var typ guidLE
	copy(typ[:], hdrBuf[0:16])
	count := leUint16(hdrBuf[18:20])

	entriesBuf, err := bytesource.ReadFull(src, offset+20, int(count)*12)
	if err != nil {
		return nil, err
	}

	pl := &parentLocator{locatorType: typ, entries: make(map[string]string, count)}
	for i := 0; i < int(count); i++ {
		off := i * 12
		keyOffset := leUint32(entriesBuf[off : off+4])
		valOffset := leUint32(entriesBuf[off+4 : off+8])
		keyLen := leUint16(entriesBuf[off+8 : off+10])
		valLen := leUint16(entriesBuf[off+10 : off+12])

		keyBuf, err := bytesource.ReadFull(src, offset+int64(keyOffset), int(keyLen))
		if err != nil {
			return nil, err
		}
		valBuf, err := bytesource.ReadFull(src, offset+int64(valOffset), int(valLen))
		if err != nil {
			return nil, err
		}
		pl.entries[decodeUTF16LE(keyBuf)] = decodeUTF16LE(valBuf)
	}
	return pl, nil
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = leUint16(b[i*2 : i*2+2])
	}
	runes := make([]rune, 0, len(u16))
	for _, v := range u16 {
		runes = append(runes, rune(v))
	}
	return string(runes)
}

// openParent resolves a differencing disk's parent, grounded on
// original_source/disk/vhdx.py's open_parent: try the relative path next
// to descPath first, then the absolute Win32 path rebased at descPath's
// directory.
func openParent(opener container.FileOpener, descPath string, locator map[string]string) (stream.Parent, error) {
	dir := filepath.Dir(descPath)

	if rel, ok := locator["relative_path"]; ok {
		candidate := filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/")))
		if src, err := opener.Open(candidate); err == nil {
			return openParentImage(opener, src, candidate)
		}
	}
	if abs, ok := locator["absolute_win32_path"]; ok {
		candidate := filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(abs, `\`, "/")))
		if src, err := opener.Open(candidate); err == nil {
			return openParentImage(opener, src, candidate)
		}
	}
	return nil, herr.New(herr.MissingDependency, "could not resolve vhdx parent locator %v relative to %q", locator, descPath)
}

func openParentImage(opener container.FileOpener, src bytesource.ByteSource, path string) (stream.Parent, error) {
	parentImg, err := Open(src, path, Options{Opener: opener})
	if err != nil {
		src.Close()
		return nil, err
	}
	return parentImg.Stream(), nil
}
