package vbk

import (
	"bytes"
	"unicode/utf16"

	"github.com/fox-it/go-hypervisor/diskimage/herr"
)

// dirItemRaw is DirItemRecord: the fixed 192-byte directory entry, whose
// last 44 bytes are the type-specific union, kept undecoded until
// a DirEntry method needs a particular variant's fields.
type dirItemRaw struct {
	Type          DirItemType
	NameLength    uint32
	Name          [128]byte
	PropsRootPage int64
	Union         [44]byte
}

func decodeDirItem(buf []byte) dirItemRaw {
	var d dirItemRaw
	d.Type = DirItemType(leUint32(buf[0:4]))
	d.NameLength = leUint32(buf[4:8])
	copy(d.Name[:], buf[8:136])
	d.PropsRootPage = leInt64(buf[136:144])
	copy(d.Union[:], buf[148:192])
	return d
}

// DirEntry is one entry in a VBK directory tree: a folder, an internal or
// external file reference, or a patch/increment stub.
type DirEntry struct {
	a   *Archive
	raw dirItemRaw

	name string

	// root/count address the entry's own MetaVector (subfolder children,
	// or an internal file's block vector). Populated from raw.Union by
	// newDirEntry, except for the synthetic root directory.
	isRoot bool
	root   int64
	count  uint64
}

func newDirEntry(a *Archive, buf []byte) *DirEntry {
	raw := decodeDirItem(buf)
	e := &DirEntry{a: a, raw: raw, name: string(bytes.TrimRight(raw.Name[:min(int(raw.NameLength), len(raw.Name))], "\x00"))}
	switch raw.Type {
	case DirItemSubFolder:
		// SubFolderHeader: RootPage int64 @0, Count uint32 @8.
		e.root = leInt64(raw.Union[0:8])
		e.count = uint64(leUint32(raw.Union[8:12]))
	case DirItemIntFib:
		// IntFibHeader: ... BlocksVectorHeader{RootPage, Count} @4.
		e.root = leInt64(raw.Union[4:12])
		e.count = leUint64(raw.Union[12:20])
	}
	return e
}

// newRootDirectory builds the synthetic root entry: it has no backing
// DirItemRecord in the file, only the directory root page/count recorded
// in the active snapshot's descriptor.
func newRootDirectory(a *Archive, root int64, count uint64) *DirEntry {
	return &DirEntry{a: a, name: "/", isRoot: true, root: root, count: count}
}

// Name returns the entry's file or directory name ("/" for the root).
func (e *DirEntry) Name() string { return e.name }

// Type returns the entry's directory item type. The root directory reports
// DirItemSubFolder.
func (e *DirEntry) Type() DirItemType {
	if e.isRoot {
		return DirItemSubFolder
	}
	return e.raw.Type
}

// IsDir reports whether the entry is a folder (root or SubFolder).
func (e *DirEntry) IsDir() bool {
	return e.isRoot || e.raw.Type == DirItemSubFolder
}

// IsInternalFile reports whether the entry's content lives inside this
// storage file's own block store.
func (e *DirEntry) IsInternalFile() bool {
	return !e.isRoot && e.raw.Type == DirItemIntFib
}

// IsExternalFile reports whether the entry references a file stored
// outside this storage file.
func (e *DirEntry) IsExternalFile() bool {
	return !e.isRoot && e.raw.Type == DirItemExtFib
}

// IsFile reports whether the entry is openable as a file.
func (e *DirEntry) IsFile() bool { return e.IsInternalFile() || e.IsExternalFile() }

// Size returns the entry's file size in bytes. Valid for ExtFib, IntFib,
// Patch and Increment entries.
func (e *DirEntry) Size() (int64, error) {
	switch e.raw.Type {
	case DirItemExtFib, DirItemIntFib, DirItemPatch, DirItemIncrement:
		// FibSize sits at union offset 20 for every variant that has one.
		return int64(leUint64(e.raw.Union[20:28])), nil
	default:
		return 0, herr.New(herr.Unsupported, "no size available for directory item type %d", e.raw.Type)
	}
}

// Iterdir lists the entry's children. Valid for directories only.
func (e *DirEntry) Iterdir() ([]*DirEntry, error) {
	if !e.IsDir() {
		return nil, herr.New(herr.Unsupported, "%q is not a directory", e.name)
	}
	v, err := newVector(e.a, dirItemRecordSize, func(buf []byte) []byte { return append([]byte(nil), buf...) }, e.root, e.count)
	if err != nil {
		return nil, err
	}
	entries := make([]*DirEntry, v.count)
	for i := range entries {
		buf, err := v.get(int64(i))
		if err != nil {
			return nil, err
		}
		entries[i] = newDirEntry(e.a, buf)
	}
	return entries, nil
}

// Open returns a random-access stream for an internal file's content.
func (e *DirEntry) Open() (*FibStream, error) {
	if !e.IsInternalFile() {
		return nil, herr.New(herr.Unsupported, "%q is not an internal file", e.name)
	}
	size, err := e.Size()
	if err != nil {
		return nil, err
	}
	return newFibStream(e.a, e.root, e.count, size)
}

// Properties reads the entry's optional property dictionary.
func (e *DirEntry) Properties() (map[string]any, error) {
	if e.raw.PropsRootPage == -1 || e.raw.PropsRootPage == 0 {
		return nil, nil
	}
	return readPropertiesDictionary(e.a, e.raw.PropsRootPage)
}

// Property value type tags, per c_vbk.py's PropertyType.
const (
	propUInt32  = 1
	propUInt64  = 2
	propAString = 3
	propWString = 4
	propBinary  = 5
	propBoolean = 6
	propEnd     = -1
)

func readPropertiesDictionary(a *Archive, page int64) (map[string]any, error) {
	blob := &metaBlob{a: a, root: page}
	data, err := blob.data()
	if err != nil {
		return nil, err
	}
	if len(data) < metaBlobHeaderSize {
		return nil, herr.New(herr.CorruptMetadata, "vbk properties dictionary shorter than its header")
	}
	buf := data[metaBlobHeaderSize:]

	out := map[string]any{}
	pos := 0
	for {
		if pos+4 > len(buf) {
			return nil, herr.New(herr.CorruptMetadata, "truncated vbk property dictionary")
		}
		valueType := int32(leUint32(buf[pos : pos+4]))
		pos += 4
		if valueType == propEnd {
			break
		}

		if pos+4 > len(buf) {
			return nil, herr.New(herr.CorruptMetadata, "truncated vbk property name length")
		}
		nameLen := int(leUint32(buf[pos : pos+4]))
		pos += 4
		if pos+nameLen > len(buf) {
			return nil, herr.New(herr.CorruptMetadata, "truncated vbk property name")
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen

		switch valueType {
		case propUInt32:
			if pos+4 > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk uint32 property")
			}
			out[name] = leUint32(buf[pos : pos+4])
			pos += 4
		case propUInt64:
			if pos+8 > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk uint64 property")
			}
			out[name] = leUint64(buf[pos : pos+8])
			pos += 8
		case propAString:
			if pos+4 > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk string property length")
			}
			n := int(leUint32(buf[pos : pos+4]))
			pos += 4
			if pos+n > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk string property")
			}
			out[name] = string(buf[pos : pos+n])
			pos += n
		case propWString:
			if pos+4 > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk wstring property length")
			}
			n := int(leUint32(buf[pos : pos+4]))
			pos += 4
			if pos+n > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk wstring property")
			}
			out[name] = decodeUTF16LE(buf[pos : pos+n])
			pos += n
		case propBinary:
			if pos+4 > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk binary property length")
			}
			n := int(leUint32(buf[pos : pos+4]))
			pos += 4
			if pos+n > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk binary property")
			}
			out[name] = append([]byte(nil), buf[pos:pos+n]...)
			pos += n
		case propBoolean:
			if pos+4 > len(buf) {
				return nil, herr.New(herr.CorruptMetadata, "truncated vbk boolean property")
			}
			out[name] = leUint32(buf[pos:pos+4]) != 0
			pos += 4
		default:
			return nil, herr.New(herr.Unsupported, "unsupported vbk property type %d", valueType)
		}
	}
	return out, nil
}

func decodeUTF16LE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[i*2]) | uint16(b[i*2+1])<<8
	}
	return string(utf16.Decode(units))
}
