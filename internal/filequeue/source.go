package filequeue

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// resolve expands the configured input entries into the ordered list of
// sources visited on every loop.
func (q *Queue) resolve(ctx context.Context) ([]string, error) {
	var out []string
	for _, entry := range q.cfg.Inputs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		items, err := q.expand(ctx, entry, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (q *Queue) expand(ctx context.Context, entry string, depth int) ([]string, error) {
	if depth > 4 {
		return nil, fmt.Errorf("list files nested too deep at %s", entry)
	}
	switch {
	case strings.HasPrefix(entry, "s3://"):
		if q.deps.S3 == nil {
			return nil, fmt.Errorf("no S3 client configured for %s", entry)
		}
		if _, key, _ := ParseS3URL(entry); key != "" && !strings.HasSuffix(key, "/") && q.fileRe.MatchString(filepath.Base(key)) {
			return []string{entry}, nil
		}
		return S3Source{Client: q.deps.S3}.List(ctx, entry, q.fileRe)
	case q.isRemote(entry):
		return []string{entry}, nil
	case strings.HasPrefix(entry, "@"):
		return q.readList(ctx, strings.TrimPrefix(entry, "@"), depth)
	}

	fi, err := os.Stat(entry)
	if err != nil {
		// a missing local file is reported when it is fetched
		return []string{entry}, nil
	}
	if fi.IsDir() {
		return q.scanDir(entry)
	}
	if strings.HasSuffix(entry, ".txt") {
		return q.readList(ctx, entry, depth)
	}
	return []string{entry}, nil
}

func (q *Queue) scanDir(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !q.fileRe.MatchString(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

func (q *Queue) readList(ctx context.Context, path string, depth int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input list: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		items, err := q.expand(ctx, line, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, sc.Err()
}

func (q *Queue) isRemote(src string) bool {
	return strings.HasPrefix(src, "s3://") || (q.remoteRe != nil && q.remoteRe.MatchString(src))
}
