package walog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Version is the log's on-disk format version, embedded in every segment's
// file name. Recovery refuses to open a directory whose segments carry an
// incompatible version (spec §6).
const Version = 7

var segmentPattern = regexp.MustCompile(`^log(\d{14})\.tokulog(\d+)$`)

// segmentName formats a segment file name for sequence number n.
func segmentName(n int64) string {
	return fmt.Sprintf("log%014d.tokulog%d", n, Version)
}

// segmentInfo describes one segment file discovered on disk.
type segmentInfo struct {
	seq  int64
	path string
}

// listSegments scans dir for segment files in increasing sequence order.
// Sequence numbers are strictly increasing but may have gaps; any segment
// whose version suffix does not match Version is a fatal error.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "walog: reading log directory %q", dir)
	}

	var segs []segmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, _ := strconv.ParseInt(m[2], 10, 64)
		if version != Version {
			return nil, errors.Errorf("walog: segment %q has incompatible version %d (want %d)", e.Name(), version, Version)
		}
		seq, _ := strconv.ParseInt(m[1], 10, 64)
		segs = append(segs, segmentInfo{seq: seq, path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}

// nextSequence scans the directory for the next unused segment sequence
// number, per spec §4.1 "the recovery code finds 'next unused' by scanning
// the directory".
func nextSequence(segs []segmentInfo) int64 {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].seq + 1
}
