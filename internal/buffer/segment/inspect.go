package segment

import (
	"fmt"

	"github.com/spf13/afero"
)

// Pending describes one segment file found on disk.
type Pending[T any] struct {
	Name    string
	Seq     uint64
	Sealed  bool
	Entries []T
	// Invalid counts lines that could not be decoded.
	Invalid int
}

// Inspect reads every segment in dir without modifying it. Segments are
// returned in sequence order.
func Inspect[T any](fs afero.Fs, dir string, codec Codec[T]) ([]Pending[T], error) {
	refs, _, err := listSegments(fs, dir)
	if err != nil {
		return nil, err
	}

	out := make([]Pending[T], 0, len(refs))
	for _, ref := range refs {
		lines, err := readLines(fs, dir, ref.name)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", ref.name, err)
		}
		p := Pending[T]{Name: ref.name, Seq: ref.seq, Sealed: ref.sealed}
		for _, line := range lines {
			item, err := codec.Decode(line)
			if err != nil {
				p.Invalid++
				continue
			}
			p.Entries = append(p.Entries, item)
		}
		out = append(out, p)
	}
	return out, nil
}
