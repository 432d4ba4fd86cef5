package usage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Usage history is stored as append-only zstd-compressed JSONL
// segments under <dir>/YYYY/MM/DD. An open segment is written as
// open-<seq>.jsonl.zst.tmp and renamed to <min>-<max>-<seq>.jsonl.zst
// on close, so readers only ever see finalized files and the name
// carries the covered time range.

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) shouldRotate(maxAge time.Duration) bool {
	if w == nil {
		return false
	}
	return maxAge > 0 && time.Since(w.openedAt) >= maxAge
}

func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	minUnix := w.minTs.UTC().Unix()
	maxUnix := w.maxTs.UTC().Unix()
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", minUnix, maxUnix, w.seq))
	return os.Rename(w.pathTmp, final)
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	out := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, ".jsonl.zst"), "-")
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanRecords(path string, fn func(Record)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		fn(rec)
	}
	return sc.Err()
}
