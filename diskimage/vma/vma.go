// Package vma decodes Proxmox VMA backup archives: a header naming one or
// more devices plus their configuration blobs, followed by a stream of
// extents, each carrying up to 59 per-device cluster records with a 16-bit
// presence mask for the cluster's 4KiB blocks.
package vma

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"math/bits"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/herr"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

const (
	magic       = "VMA\x00"
	extentMagic = "VMAE"

	blockSize       = 1 << 12 // VMA_BLOCK_SIZE
	clusterSize     = blockSize << 4 // VMA_CLUSTER_SIZE
	blocksPerCluster = clusterSize / blockSize

	extentHeaderSize  = 512
	blocksPerExtent   = 59
	maxConfigs        = 256
	devInfoEntrySize  = 32
	fixedHeaderSize   = 4 + 4 + 16 + 8 + 16 + 4 + 4 + 4 + 1984 + maxConfigs*4 + maxConfigs*4 + 4 + 256*devInfoEntrySize
)

func beUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func beUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func beUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

type header struct {
	UUID             [16]byte
	Ctime            int64
	MD5Sum           [16]byte
	BlobBufferOffset uint32
	BlobBufferSize   uint32
	HeaderSize       uint32
	ConfigNames      [maxConfigs]uint32
	ConfigData       [maxConfigs]uint32
	DevInfo          [256]devInfoHeader
}

type devInfoHeader struct {
	DevnamePtr uint32
	Size       uint64
}

func parseHeader(buf []byte) header {
	var h header
	copy(h.UUID[:], buf[8:24])
	h.Ctime = int64(beUint64(buf[24:32]))
	copy(h.MD5Sum[:], buf[32:48])
	h.BlobBufferOffset = beUint32(buf[48:52])
	h.BlobBufferSize = beUint32(buf[52:56])
	h.HeaderSize = beUint32(buf[56:60])

	namesOff := 60 + 1984
	for i := 0; i < maxConfigs; i++ {
		h.ConfigNames[i] = beUint32(buf[namesOff+i*4:])
	}
	dataOff := namesOff + maxConfigs*4
	for i := 0; i < maxConfigs; i++ {
		h.ConfigData[i] = beUint32(buf[dataOff+i*4:])
	}

	devOff := dataOff + maxConfigs*4 + 4
	for i := 0; i < 256; i++ {
		e := buf[devOff+i*devInfoEntrySize:]
		h.DevInfo[i] = devInfoHeader{
			DevnamePtr: beUint32(e[0:4]),
			Size:       beUint64(e[8:16]),
		}
	}
	return h
}

// Archive is an open VMA backup file.
type Archive struct {
	source bytesource.ByteSource
	header header

	blob     []byte
	blobData map[uint32][]byte

	config  map[string][]byte
	devices map[int]*Device
}

// Open parses src as a VMA archive: its header, blob buffer, configuration
// entries, and device table, then scans every extent to index each device's
// clusters.
func Open(src bytesource.ByteSource) (*Archive, error) {
	fixedBuf, err := bytesource.ReadFull(src, 0, fixedHeaderSize)
	if err != nil {
		return nil, err
	}
	if string(fixedBuf[0:4]) != magic {
		return nil, herr.New(herr.InvalidSignature, "invalid vma header magic")
	}
	h := parseHeader(fixedBuf)

	fullBuf, err := bytesource.ReadFull(src, 0, int(h.HeaderSize))
	if err != nil {
		return nil, err
	}
	checked := bytes.Clone(fullBuf)
	for i := 32; i < 48; i++ {
		checked[i] = 0
	}
	if sum := md5.Sum(checked); sum != h.MD5Sum {
		return nil, herr.New(herr.CorruptMetadata, "invalid vma header checksum")
	}

	a := &Archive{
		source:  src,
		header:  h,
		config:  map[string][]byte{},
		devices: map[int]*Device{},
	}

	blobStart := h.BlobBufferOffset
	blobEnd := h.BlobBufferOffset + h.BlobBufferSize
	if uint64(blobEnd) > uint64(len(fullBuf)) {
		return nil, herr.New(herr.InvalidHeader, "vma blob buffer extends past header")
	}
	a.blob = fullBuf[blobStart:blobEnd]
	a.blobData = map[uint32][]byte{}

	// Entries are length-prefixed with a little-endian uint16, despite the
	// header itself being big-endian.
	blobOffset := uint32(1)
	for blobOffset+2 <= h.BlobBufferSize {
		size := binary.LittleEndian.Uint16(a.blob[blobOffset : blobOffset+2])
		if blobOffset+2+uint32(size) <= h.BlobBufferSize {
			a.blobData[blobOffset] = a.blob[blobOffset+2 : blobOffset+2+uint32(size)]
		}
		blobOffset += uint32(size) + 2
	}

	for i := 0; i < maxConfigs; i++ {
		name, data := h.ConfigNames[i], h.ConfigData[i]
		if name == 0 && data == 0 {
			continue
		}
		n, err := a.blobString(name)
		if err != nil {
			return nil, err
		}
		d, err := a.blobBytes(data)
		if err != nil {
			return nil, err
		}
		a.config[n] = d
	}

	for id := 1; id < 256; id++ {
		info := h.DevInfo[id]
		if info.DevnamePtr == 0 {
			continue
		}
		name, err := a.blobString(info.DevnamePtr)
		if err != nil {
			return nil, err
		}
		a.devices[id] = &Device{
			archive: a,
			id:      id,
			name:    name,
			size:    int64(info.Size),
		}
	}

	if err := a.indexExtents(); err != nil {
		return nil, err
	}
	return a, nil
}

// Close closes the underlying source.
func (a *Archive) Close() error { return a.source.Close() }

func (a *Archive) blobBytes(offset uint32) ([]byte, error) {
	b, ok := a.blobData[offset]
	if !ok {
		return nil, herr.New(herr.CorruptMetadata, "no vma blob data at offset %d", offset)
	}
	return b, nil
}

func (a *Archive) blobString(offset uint32) (string, error) {
	b, err := a.blobBytes(offset)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

// Config returns the raw configuration blob registered under name.
func (a *Archive) Config(name string) ([]byte, bool) {
	b, ok := a.config[name]
	return b, ok
}

// Configs returns every registered configuration blob, keyed by name.
func (a *Archive) Configs() map[string][]byte { return a.config }

// Device returns the device registered under id.
func (a *Archive) Device(id int) (*Device, bool) {
	d, ok := a.devices[id]
	return d, ok
}

// Devices returns every device described by the archive.
func (a *Archive) Devices() []*Device {
	out := make([]*Device, 0, len(a.devices))
	for _, d := range a.devices {
		out = append(out, d)
	}
	return out
}

type clusterRecord struct {
	blockOffset int64
	mask        uint16
}

// Device is one backed-up block device inside a VMA archive.
type Device struct {
	archive *Archive
	id      int
	name    string
	size    int64

	clusters map[int64]clusterRecord
}

// ID returns the device's VMA device id.
func (d *Device) ID() int { return d.id }

// Name returns the device's name, e.g. "drive-scsi0".
func (d *Device) Name() string { return d.name }

// Size returns the device's size in bytes.
func (d *Device) Size() int64 { return d.size }

// Align implements stream.Decoder.
func (d *Device) Align() int64 { return blockSize }

// Stream returns the logical read stream for this device. VMA has no
// parent/backing-file concept.
func (d *Device) Stream() *stream.TranslationStream {
	return stream.NewTranslationStream(d, nil)
}

// Locate implements stream.Decoder.
func (d *Device) Locate(offset int64) (stream.Entry, int64, error) {
	clusterNum := offset / clusterSize
	offsetInBlock := offset % blockSize
	blockIdx := int((offset % clusterSize) / blockSize)

	rec, ok := d.clusters[clusterNum]
	if !ok {
		// A well-formed archive indexes every cluster up to the device's
		// size; a gap only shows up for a truncated or partial capture, in
		// which case there is nothing to read but zero.
		runLen := clusterSize - offset%clusterSize
		return stream.Entry{Kind: stream.KindZero}, runLen, nil
	}

	bit := (rec.mask >> uint(blockIdx)) & 1
	runBlocks := int64(1)
	for i := blockIdx + 1; i < blocksPerCluster; i++ {
		if (rec.mask>>uint(i))&1 != bit {
			break
		}
		runBlocks++
	}
	runLen := runBlocks*blockSize - offsetInBlock

	if bit == 0 {
		return stream.Entry{Kind: stream.KindZero}, runLen, nil
	}

	setBefore := bits.OnesCount16(rec.mask & (1<<uint(blockIdx) - 1))
	hostOffset := rec.blockOffset + int64(setBefore)*blockSize + offsetInBlock
	return stream.Entry{Kind: stream.KindRaw, Source: d.archive.source, Offset: hostOffset}, runLen, nil
}

// indexExtents walks every extent in the archive once, recording the first
// occurrence of each (device, cluster) pair: an archive is a full capture at
// cluster granularity, so later extents never need to override an earlier
// one, matching how a streamed VMA extraction consumes extents in order.
func (a *Archive) indexExtents() error {
	offset := int64(a.header.HeaderSize)
	size := a.source.Size()

	for offset < size {
		hdrBuf, err := bytesource.ReadFull(a.source, offset, extentHeaderSize)
		if err != nil {
			return err
		}
		if string(hdrBuf[0:4]) != extentMagic {
			return herr.New(herr.InvalidSignature, "invalid vma extent header magic at offset %#x", offset)
		}

		var wantSum [16]byte
		copy(wantSum[:], hdrBuf[24:40])
		checked := bytes.Clone(hdrBuf)
		for i := 24; i < 40; i++ {
			checked[i] = 0
		}
		if sum := md5.Sum(checked); sum != wantSum {
			return herr.New(herr.CorruptMetadata, "invalid vma extent checksum at offset %#x", offset)
		}

		blockCount := beUint16(hdrBuf[6:8])
		dataOffset := offset + extentHeaderSize

		perDevice := map[int][]struct {
			cluster int64
			mask    uint16
		}{}
		for i := 0; i < blocksPerExtent; i++ {
			entry := beUint64(hdrBuf[40+i*8:])
			clusterNum := int64(entry & 0xFFFFFFFF)
			devID := int((entry >> 32) & 0xFF)
			mask := uint16(entry >> 48)
			if devID == 0 {
				continue
			}
			perDevice[devID] = append(perDevice[devID], struct {
				cluster int64
				mask    uint16
			}{clusterNum, mask})
		}

		for devID, entries := range perDevice {
			dev, ok := a.devices[devID]
			if !ok {
				continue
			}
			if dev.clusters == nil {
				dev.clusters = map[int64]clusterRecord{}
			}
			blockOffset := dataOffset
			for _, e := range entries {
				if _, exists := dev.clusters[e.cluster]; !exists {
					dev.clusters[e.cluster] = clusterRecord{blockOffset: blockOffset, mask: e.mask}
				}
				switch e.mask {
				case 0xFFFF:
					blockOffset += 16 * blockSize
				case 0:
				default:
					blockOffset += int64(bits.OnesCount16(e.mask)) * blockSize
				}
			}
		}

		offset = dataOffset + int64(blockCount)*blockSize
	}
	return nil
}
