package segment

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	activeSuffix = ".active"
	sealedSuffix = ".seg"
	tmpSuffix    = ".tmp"
)

// fileRef is a segment file found on disk.
type fileRef struct {
	name   string
	seq    uint64
	sealed bool
}

func segmentName(seq uint64, sealed bool) string {
	if sealed {
		return fmt.Sprintf("%016d%s", seq, sealedSuffix)
	}
	return fmt.Sprintf("%016d%s", seq, activeSuffix)
}

func parseName(name string) (fileRef, bool) {
	sealed := true
	base, ok := strings.CutSuffix(name, sealedSuffix)
	if !ok {
		sealed = false
		if base, ok = strings.CutSuffix(name, activeSuffix); !ok {
			return fileRef{}, false
		}
	}
	seq, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return fileRef{}, false
	}
	return fileRef{name: name, seq: seq, sealed: sealed}, true
}

// listSegments returns segment files ordered by sequence number, plus the
// names of leftover temporary files.
func listSegments(fs afero.Fs, dir string) ([]fileRef, []string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read segment dir: %w", err)
	}

	var refs []fileRef
	var tmp []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if strings.HasSuffix(info.Name(), tmpSuffix) {
			tmp = append(tmp, info.Name())
			continue
		}
		if ref, ok := parseName(info.Name()); ok {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].seq < refs[j].seq })
	return refs, tmp, nil
}

func readLines(fs afero.Fs, dir, name string) ([][]byte, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func appendLine(fs afero.Fs, dir, name string, line []byte) error {
	f, err := fs.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// rewrite replaces the file content through a temporary file and a rename.
func rewrite(fs afero.Fs, dir, name string, lines [][]byte) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := filepath.Join(dir, name+tmpSuffix)
	if err := afero.WriteFile(fs, tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, filepath.Join(dir, name))
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
