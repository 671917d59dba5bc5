// Package archive bundles retrieved images into a single ZIP stream.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zip"

	"github.com/JakeFAU/imagecrawl/internal/session"
)

// ErrItemNotFound is returned by Item when no payload is held for an identifier.
var ErrItemNotFound = errors.New("item not retrieved")

// Options filters what Build packages.
type Options struct {
	// CompletedOnly restricts entries to identifiers in the completed list.
	CompletedOnly bool
}

// PackagingError describes a completed item that could not be packaged.
type PackagingError struct {
	ID     string
	Reason string
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("package %s: %s", e.ID, e.Reason)
}

// Report lists what Build wrote and what it skipped.
type Report struct {
	Entries []string
	Skipped []*PackagingError
}

// Build returns the archive bytes for p.
func Build(p session.Progress, opts Options) ([]byte, Report, error) {
	var buf bytes.Buffer
	report, err := Write(&buf, p, opts)
	if err != nil {
		return nil, report, err
	}
	return buf.Bytes(), report, nil
}

// Write streams the archive for p into w. Entries follow the completed order;
// items without retrieved bytes are skipped and reported, never fatal. Entry
// timestamps are zeroed so equal input gives equal output.
func Write(w io.Writer, p session.Progress, opts Options) (Report, error) {
	zw := zip.NewWriter(w)
	var report Report
	seen := make(map[string]struct{}, len(p.Retrieved))

	for _, item := range p.Completed {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		got, ok := p.Retrieved[item.ID]
		switch {
		case !ok:
			report.Skipped = append(report.Skipped, &PackagingError{ID: item.ID, Reason: "no retrieved bytes"})
			continue
		case len(got.Data) == 0:
			report.Skipped = append(report.Skipped, &PackagingError{ID: item.ID, Reason: "empty payload"})
			continue
		case got.FileName == "":
			report.Skipped = append(report.Skipped, &PackagingError{ID: item.ID, Reason: "missing file name"})
			continue
		}
		if err := addEntry(zw, got); err != nil {
			return report, err
		}
		report.Entries = append(report.Entries, got.FileName)
	}

	if !opts.CompletedOnly {
		orphans := make([]session.RetrievedItem, 0)
		for id, got := range p.Retrieved {
			if _, ok := seen[id]; ok || len(got.Data) == 0 || got.FileName == "" {
				continue
			}
			orphans = append(orphans, got)
		}
		sort.Slice(orphans, func(i, j int) bool { return orphans[i].FileName < orphans[j].FileName })
		for _, got := range orphans {
			if err := addEntry(zw, got); err != nil {
				return report, err
			}
			report.Entries = append(report.Entries, got.FileName)
		}
	}

	if err := zw.Close(); err != nil {
		return report, fmt.Errorf("finalize archive: %w", err)
	}
	return report, nil
}

func addEntry(zw *zip.Writer, item session.RetrievedItem) error {
	hdr := &zip.FileHeader{Name: item.FileName, Method: zip.Deflate}
	f, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", item.FileName, err)
	}
	if _, err := f.Write(item.Data); err != nil {
		return fmt.Errorf("write entry %s: %w", item.FileName, err)
	}
	return nil
}

// Item returns the retrieved payload for id.
func Item(p session.Progress, id string) (session.RetrievedItem, error) {
	got, ok := p.Retrieved[id]
	if !ok || len(got.Data) == 0 {
		return session.RetrievedItem{}, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	return got, nil
}
