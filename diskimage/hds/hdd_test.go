package hds

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fox-it/go-hypervisor/diskimage/container"
)

const plainDescriptorXML = `<ParallelsDiskImage>
  <StorageData>
    <Storage>
      <Start>0</Start>
      <End>4</End>
      <Image>
        <GUID>{root}</GUID>
        <Type>Plain</Type>
        <File>root.img</File>
      </Image>
    </Storage>
  </StorageData>
  <Snapshots>
    <TopGUID>{root}</TopGUID>
    <Shot>
      <GUID>{root}</GUID>
      <ParentGUID>{00000000-0000-0000-0000-000000000000}</ParentGUID>
    </Shot>
  </Snapshots>
</ParallelsDiskImage>`

func TestOpenBundlePlainOnly(t *testing.T) {
	dir := t.TempDir()
	pattern := bytes.Repeat([]byte{0x5A}, 2048)

	if err := os.WriteFile(filepath.Join(dir, "DiskDescriptor.xml"), []byte(plainDescriptorXML), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "root.img"), pattern, 0o644); err != nil {
		t.Fatalf("write root image: %v", err)
	}

	bundle, err := OpenBundle(container.OSOpener{}, dir)
	if err != nil {
		t.Fatalf("OpenBundle failed: %v", err)
	}

	dec, err := bundle.OpenSnapshot("")
	if err != nil {
		t.Fatalf("OpenSnapshot failed: %v", err)
	}

	out := make([]byte, 2048)
	if _, err := dec.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, pattern) {
		t.Fatalf("ReadAt returned unexpected data")
	}
}

const chainedDescriptorXML = `<ParallelsDiskImage>
  <StorageData>
    <Storage>
      <Start>0</Start>
      <End>4</End>
      <Image>
        <GUID>{root}</GUID>
        <Type>Plain</Type>
        <File>root.img</File>
      </Image>
      <Image>
        <GUID>{leaf}</GUID>
        <Type>Compressed</Type>
        <File>leaf.hds</File>
      </Image>
    </Storage>
  </StorageData>
  <Snapshots>
    <TopGUID>{leaf}</TopGUID>
    <Shot>
      <GUID>{root}</GUID>
      <ParentGUID>{00000000-0000-0000-0000-000000000000}</ParentGUID>
    </Shot>
    <Shot>
      <GUID>{leaf}</GUID>
      <ParentGUID>{root}</ParentGUID>
    </Shot>
  </Snapshots>
</ParallelsDiskImage>`

// TestOpenBundleCompressedSnapshotFallsBackToParent builds a two-snapshot
// chain: a Plain root image covering the full range, and a Compressed leaf
// HDS image that only allocates its first cluster. Reads inside the
// allocated cluster should come from the leaf; reads outside it should fall
// through to the root image's data at the same offset.
func TestOpenBundleCompressedSnapshotFallsBackToParent(t *testing.T) {
	dir := t.TempDir()

	rootPattern := bytes.Repeat([]byte{0x5A}, 2048)
	leafPattern := bytes.Repeat([]byte{0xAB}, sectorSize)
	leafImage := buildV2Image(t, leafPattern)

	if err := os.WriteFile(filepath.Join(dir, "DiskDescriptor.xml"), []byte(chainedDescriptorXML), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "root.img"), rootPattern, 0o644); err != nil {
		t.Fatalf("write root image: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "leaf.hds"), leafImage, 0o644); err != nil {
		t.Fatalf("write leaf image: %v", err)
	}

	bundle, err := OpenBundle(container.OSOpener{}, dir)
	if err != nil {
		t.Fatalf("OpenBundle failed: %v", err)
	}

	dec, err := bundle.OpenSnapshot("")
	if err != nil {
		t.Fatalf("OpenSnapshot failed: %v", err)
	}

	allocated := make([]byte, sectorSize)
	if _, err := dec.ReadAt(allocated, 0); err != nil {
		t.Fatalf("ReadAt(0) failed: %v", err)
	}
	if !bytes.Equal(allocated, leafPattern) {
		t.Fatalf("allocated cluster returned unexpected data, want leaf pattern")
	}

	sparse := make([]byte, sectorSize)
	if _, err := dec.ReadAt(sparse, sectorSize); err != nil {
		t.Fatalf("ReadAt(sectorSize) failed: %v", err)
	}
	if !bytes.Equal(sparse, rootPattern[sectorSize:2*sectorSize]) {
		t.Fatalf("sparse cluster returned unexpected data, want fallback to root image")
	}
}
