// Package descriptor parses the small set of external descriptor formats
// that are structurally part of container traversal rather than optional
// tooling: Parallels DiskDescriptor.xml and VMDK's text descriptor.
package descriptor

import (
	"bufio"
	"encoding/xml"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/fox-it/go-hypervisor/diskimage/herr"
)

// NullGUID terminates a Parallels snapshot chain.
const NullGUID = "{00000000-0000-0000-0000-000000000000}"

// ParallelsImage is one <Image> entry within a <Storage>.
type ParallelsImage struct {
	GUID string
	Type string // "Plain" or "Compressed"
	File string
}

// ParallelsStorage is one <Storage> range, in sectors.
type ParallelsStorage struct {
	Start  int64
	End    int64
	Images []ParallelsImage
}

// ParallelsShot is one snapshot node; Parent is NullGUID at the root.
type ParallelsShot struct {
	GUID   string
	Parent string
}

// ParallelsDescriptor is the parsed form of DiskDescriptor.xml, covering
// just enough (StorageData/Storage/Image, Snapshots/Shot) to drive hds.Open.
type ParallelsDescriptor struct {
	Storages []ParallelsStorage
	TopGUID  string
	Shots    []ParallelsShot
}

type xmlImage struct {
	GUID string `xml:"GUID"`
	Type string `xml:"Type"`
	File string `xml:"File"`
}

type xmlStorage struct {
	Start  int64      `xml:"Start"`
	End    int64      `xml:"End"`
	Images []xmlImage `xml:"Image"`
}

type xmlShot struct {
	GUID   string `xml:"GUID"`
	Parent string `xml:"ParentGUID"`
}

type xmlSnapshots struct {
	TopGUID string    `xml:"TopGUID"`
	Shots   []xmlShot `xml:"Shot"`
}

type xmlDiskDescriptor struct {
	StorageData struct {
		Storages []xmlStorage `xml:"Storage"`
	} `xml:"StorageData"`
	Snapshots xmlSnapshots `xml:"Snapshots"`
}

// ParseParallelsDescriptor reads and parses a DiskDescriptor.xml file.
func ParseParallelsDescriptor(path string) (*ParallelsDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, herr.Wrap(herr.MissingDependency, err, "open %s", path)
	}
	defer f.Close()

	var raw xmlDiskDescriptor
	if err := xml.NewDecoder(bufio.NewReader(f)).Decode(&raw); err != nil {
		return nil, herr.Wrap(herr.InvalidHeader, err, "parse %s", path)
	}

	d := &ParallelsDescriptor{TopGUID: raw.Snapshots.TopGUID}
	for _, s := range raw.StorageData.Storages {
		storage := ParallelsStorage{Start: s.Start, End: s.End}
		for _, img := range s.Images {
			storage.Images = append(storage.Images, ParallelsImage{
				GUID: img.GUID,
				Type: img.Type,
				File: img.File,
			})
		}
		d.Storages = append(d.Storages, storage)
	}
	for _, sh := range raw.Snapshots.Shots {
		d.Shots = append(d.Shots, ParallelsShot{GUID: sh.GUID, Parent: sh.Parent})
	}
	return d, nil
}

// SnapshotChain walks Shot.Parent links from leaf to NullGUID, returning the
// chain ordered oldest (root) to newest (leaf), per spec §4.6.
func (d *ParallelsDescriptor) SnapshotChain(leaf string) []string {
	byGUID := make(map[string]ParallelsShot, len(d.Shots))
	for _, s := range d.Shots {
		byGUID[s.GUID] = s
	}
	var chain []string
	guid := leaf
	seen := make(map[string]bool)
	for guid != "" && guid != NullGUID && !seen[guid] {
		seen[guid] = true
		chain = append(chain, guid)
		s, ok := byGUID[guid]
		if !ok {
			break
		}
		guid = s.Parent
	}
	// reverse: root first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

var vmdkExtentLineRE = regexp.MustCompile(`^(RW|RDONLY|NOACCESS)\s+(\d+)\s+(SPARSE|ZERO|FLAT|VMFS|VMFSSPARSE|VMFSRDM|VMFSRAW|SESPARSE)(?:\s+"([^"]+)")?(?:\s+(\d+))?`)

// VMDKExtent is one parsed extent line from a VMDK text descriptor.
type VMDKExtent struct {
	Access      string
	SectorCount int64
	Type        string
	FileName    string
	StartSector int64
}

// VMDKDescriptor is the parsed form of a VMDK text descriptor: attributes,
// extent lines, and disk-database (ddb.*) entries, per spec §4.2.3.
type VMDKDescriptor struct {
	Attributes map[string]string
	DDB        map[string]string
	Extents    []VMDKExtent
}

// ParseVMDKDescriptor parses VMDK text descriptor content (either the whole
// contents of a standalone .vmdk descriptor file, or the embedded
// descriptor region of a monolithic sparse image).
func ParseVMDKDescriptor(text string) (*VMDKDescriptor, error) {
	d := &VMDKDescriptor{Attributes: map[string]string{}, DDB: map[string]string{}}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), "\x00")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := vmdkExtentLineRE.FindStringSubmatch(line); m != nil {
			ext := VMDKExtent{Access: m[1], Type: m[3], FileName: m[4]}
			ext.SectorCount, _ = strconv.ParseInt(m[2], 10, 64)
			if m[5] != "" {
				ext.StartSector, _ = strconv.ParseInt(m[5], 10, 64)
			}
			d.Extents = append(d.Extents, ext)
			continue
		}
		if idx := strings.Index(line, "="); idx >= 0 {
			key := strings.ToLower(strings.TrimSpace(line[:idx]))
			val := strings.Trim(strings.TrimSpace(line[idx+1:]), `"`)
			if strings.HasPrefix(key, "ddb.") {
				d.DDB[key] = val
			} else {
				d.Attributes[key] = val
			}
		}
	}
	return d, nil
}

// ResolveParentHint resolves ddb.parentFileNameHint (or parentFileNameHint)
// to a sibling path, trying the three patterns of spec §4.2.3: the hint's
// basename in descDir, the hint as-is relative to descDir, and the hint's
// own directory basename joined onto descDir's parent.
func ResolveParentHint(descDir, hint string) []string {
	hint = strings.ReplaceAll(hint, `\`, "/")
	base := hint
	if i := strings.LastIndex(hint, "/"); i >= 0 {
		base = hint[i+1:]
	}
	hintDirBase := ""
	if i := strings.LastIndex(hint, "/"); i >= 0 {
		dir := hint[:i]
		if j := strings.LastIndex(dir, "/"); j >= 0 {
			hintDirBase = dir[j+1:]
		} else {
			hintDirBase = dir
		}
	}
	candidates := []string{descDir + "/" + base, descDir + "/" + hint}
	if hintDirBase != "" {
		candidates = append(candidates, descDir+"/../"+hintDirBase+"/"+base)
	}
	return candidates
}
