package treestore

import (
	"bufio"
	"context"
	"os"
)

// JSONLoader is the array-form JSON loader (spec §4.6): the file holds
// one JSON array of node objects; it is read fully, then yielded one
// record at a time.
type JSONLoader struct {
	Path string
}

func (l JSONLoader) Records(ctx context.Context) (func() (Record, bool, error), error) {
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, storageErrorf(err, "read %s", l.Path)
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, dataModelErrorf("parse %s as a JSON array: %v", l.Path, err)
	}
	i := 0
	return func() (Record, bool, error) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}
		if i >= len(records) {
			return nil, false, nil
		}
		rec := records[i]
		i++
		return rec, true, nil
	}, nil
}

// JSONLinesLoader is the line-delimited loader (spec §4.6): one JSON
// object per line. Lazy reads one line at a time with bufio.Scanner for
// constant memory; eager slurps every line up-front. Both are
// restartable: Records opens its own file handle per call.
type JSONLinesLoader struct {
	Path string
	Lazy bool
}

func (l JSONLinesLoader) Records(ctx context.Context) (func() (Record, bool, error), error) {
	if l.Lazy {
		return l.lazyRecords(ctx)
	}
	return l.eagerRecords(ctx)
}

func (l JSONLinesLoader) eagerRecords(ctx context.Context) (func() (Record, bool, error), error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, storageErrorf(err, "open %s", l.Path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, storageErrorf(err, "scan %s", l.Path)
	}

	i := 0
	return func() (Record, bool, error) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}
		if i >= len(lines) {
			return nil, false, nil
		}
		line := lines[i]
		i++
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, false, dataModelErrorf("parse line %d of %s: %v", i, l.Path, err)
		}
		return rec, true, nil
	}, nil
}

func (l JSONLinesLoader) lazyRecords(ctx context.Context) (func() (Record, bool, error), error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, storageErrorf(err, "open %s", l.Path)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0

	return func() (Record, bool, error) {
		select {
		case <-ctx.Done():
			f.Close()
			return nil, false, ctx.Err()
		default:
		}
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if line == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				f.Close()
				return nil, false, dataModelErrorf("parse line %d of %s: %v", lineNo, l.Path, err)
			}
			return rec, true, nil
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, false, storageErrorf(err, "scan %s", l.Path)
		}
		f.Close()
		return nil, false, nil
	}, nil
}
