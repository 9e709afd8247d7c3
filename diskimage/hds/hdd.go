package hds

import (
	"path/filepath"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/container"
	"github.com/fox-it/go-hypervisor/diskimage/descriptor"
	"github.com/fox-it/go-hypervisor/diskimage/herr"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

// DefaultTopGUID is the snapshot GUID Parallels historically used before
// DiskDescriptor.xml started recording a Snapshots/TopGUID element.
const DefaultTopGUID = "{5fbaabe3-6958-40ff-92a7-860e329aab41}"

// HDD is an open Parallels .hdd bundle: a parsed DiskDescriptor.xml plus the
// directory its Plain and Compressed image files are resolved against.
type HDD struct {
	dir        string
	opener     container.FileOpener
	descriptor *descriptor.ParallelsDescriptor
}

// OpenBundle parses dir/DiskDescriptor.xml. dir is the .hdd bundle directory
// (the one containing DiskDescriptor.xml), not a path to one of its image
// files.
func OpenBundle(opener container.FileOpener, dir string) (*HDD, error) {
	desc, err := descriptor.ParseParallelsDescriptor(filepath.Join(dir, "DiskDescriptor.xml"))
	if err != nil {
		return nil, err
	}
	return &HDD{dir: dir, opener: opener, descriptor: desc}, nil
}

// OpenSnapshot builds the logical read stream for a snapshot GUID, stitching
// every Storage's image chain across the snapshot's full ancestry. An empty
// guid resolves to the descriptor's TopGUID, falling back to DefaultTopGUID
// if the descriptor doesn't record one.
func (h *HDD) OpenSnapshot(guid string) (*container.Stitched, error) {
	if guid == "" {
		guid = h.descriptor.TopGUID
	}
	if guid == "" {
		guid = DefaultTopGUID
	}

	chain := h.descriptor.SnapshotChain(guid)
	if len(chain) == 0 {
		chain = []string{guid}
	}

	var extents []container.Extent
	for _, storage := range h.descriptor.Storages {
		src, err := h.openStorage(storage, chain)
		if err != nil {
			return nil, err
		}
		extents = append(extents, container.Extent{
			StartSector: storage.Start,
			SectorCount: storage.End - storage.Start,
			Stream:      src,
		})
	}
	return container.NewStitched(extents, sectorSize)
}

// openStorage walks one Storage's image chain root to leaf, per
// original_source's HDD.open: each Compressed image is opened with the
// previous level's stream as its parent, so an older snapshot backs any
// cluster a newer one hasn't written yet. The chain's final level (a raw
// file for a Plain leaf, or a TranslationStream for a Compressed one) is
// returned as this storage's whole logical stream, so that an older
// snapshot's KindAbsent runs keep resolving through its own parent even
// after the per-storage streams are stitched together one level up.
func (h *HDD) openStorage(storage descriptor.ParallelsStorage, chain []string) (bytesource.ByteSource, error) {
	var parent stream.Parent
	var current bytesource.ByteSource

	for _, guid := range chain {
		img, ok := findImage(storage, guid)
		if !ok {
			return nil, herr.New(herr.CorruptMetadata, "storage has no image for snapshot %s", guid)
		}

		src, err := h.openImageFile(img.File)
		if err != nil {
			return nil, err
		}

		switch img.Type {
		case "Plain":
			parent = src
			current = src
		case "Compressed":
			hdsImg, err := Open(src, Options{Parent: parent})
			if err != nil {
				return nil, err
			}
			ts := hdsImg.Stream()
			parent = ts
			current = translationSource{ts}
		default:
			return nil, herr.New(herr.Unsupported, "unsupported parallels image type %q", img.Type)
		}
	}
	return current, nil
}

// translationSource adapts a TranslationStream into a bytesource.ByteSource
// so a Compressed image's chain-final level can be stitched across
// storages alongside a Plain level's raw file.
type translationSource struct {
	*stream.TranslationStream
}

func (translationSource) Close() error { return nil }

func findImage(storage descriptor.ParallelsStorage, guid string) (descriptor.ParallelsImage, bool) {
	for _, img := range storage.Images {
		if img.GUID == guid {
			return img, true
		}
	}
	return descriptor.ParallelsImage{}, false
}

// openImageFile resolves one DiskDescriptor.xml <File> entry. A relative
// path is always relative to the bundle directory. An absolute path is
// opened as-is first, falling back to three sibling layouts a copied or
// relocated bundle commonly ends up in, grounded on HDD._open_image:
// the same bundle directory, a sibling bundle directory under the parent
// directory, and a sibling bundle directory one level further up (e.g. a
// linked clone's .pvm).
func (h *HDD) openImageFile(file string) (bytesource.ByteSource, error) {
	file = filepath.FromSlash(file)
	if !filepath.IsAbs(file) {
		return h.opener.Open(filepath.Join(h.dir, file))
	}
	if src, err := h.opener.Open(file); err == nil {
		return src, nil
	}

	name := filepath.Base(file)
	hintDir := filepath.Dir(file)
	hintDirName := filepath.Base(hintDir)
	hintBundleName := filepath.Base(filepath.Dir(hintDir))

	candidates := []string{
		filepath.Join(h.dir, name),
		filepath.Join(filepath.Dir(h.dir), hintDirName, name),
		filepath.Join(filepath.Dir(filepath.Dir(h.dir)), hintBundleName, hintDirName, name),
	}
	var lastErr error
	for _, c := range candidates {
		src, err := h.opener.Open(c)
		if err == nil {
			return src, nil
		}
		lastErr = err
	}
	return nil, herr.Wrap(herr.MissingDependency, lastErr, "resolve hdd image %q relative to %q", file, h.dir)
}
