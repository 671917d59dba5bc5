package session

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the orchestrator state recorded in a session.
type Status string

// Session statuses.
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Step mirrors the three stages of a batch: extract, configure, download.
type Step int

// Workflow steps.
const (
	StepExtract   Step = 1
	StepConfigure Step = 2
	StepDownload  Step = 3
)

func (s Step) String() string {
	switch s {
	case StepExtract:
		return "extract"
	case StepConfigure:
		return "configure"
	case StepDownload:
		return "download"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// FileExt is the extension every staged image is written with.
const FileExt = ".jpg"

// Metadata labels a batch and drives output naming.
type Metadata struct {
	Collection string `json:"collection"`
	Period     string `json:"period"`
	Code       string `json:"code"`
	// Total is cached when the metadata is finalized.
	Total int `json:"total"`
}

// Validate requires every label and rejects labels that would escape the
// staging directory once joined into a file name.
func (m Metadata) Validate() error {
	var missing []string
	if strings.TrimSpace(m.Collection) == "" {
		missing = append(missing, "collection")
	}
	if strings.TrimSpace(m.Period) == "" {
		missing = append(missing, "period")
	}
	if strings.TrimSpace(m.Code) == "" {
		missing = append(missing, "code")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMetadataIncomplete, strings.Join(missing, ", "))
	}
	for _, l := range []struct{ name, value string }{
		{"collection", m.Collection},
		{"period", m.Period},
		{"code", m.Code},
	} {
		if strings.ContainsAny(l.value, `/\`) || strings.Contains(l.value, "..") {
			return fmt.Errorf("%w: %s %q", ErrInvalidLabel, l.name, l.value)
		}
	}
	return nil
}

// FileStem returns <collection>_<period>_<code>_<ordinal:03d>.
func (m Metadata) FileStem(ordinal int) string {
	return fmt.Sprintf("%s_%s_%s_%03d", m.Collection, m.Period, m.Code, ordinal)
}

// FileName returns the staged file name for ordinal.
func (m Metadata) FileName(ordinal int) string {
	return m.FileStem(ordinal) + FileExt
}

// ArchiveName names the bundle for this batch.
func (m Metadata) ArchiveName() string {
	return fmt.Sprintf("%s_%s_%s.zip", m.Collection, m.Period, m.Code)
}

// CompletedItem pairs an identifier with the path it was written to.
type CompletedItem struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// RetrievedItem holds the downloaded payload for one identifier.
type RetrievedItem struct {
	FileName string `json:"filename"`
	Data     []byte `json:"data"`
}

// Progress is the mutable record of a batch.
type Progress struct {
	Completed []CompletedItem          `json:"completed"`
	Failed    []string                 `json:"failed"`
	Retrieved map[string]RetrievedItem `json:"retrieved"`
	Metadata  Metadata                 `json:"metadata"`
	Positions PositionIndex            `json:"positions"`
}

// NewProgress returns an empty record.
func NewProgress() Progress {
	return Progress{
		Completed: []CompletedItem{},
		Failed:    []string{},
		Retrieved: map[string]RetrievedItem{},
		Positions: PositionIndex{},
	}
}

// IsCompleted reports whether id has a completed entry.
func (p Progress) IsCompleted(id string) bool {
	for _, item := range p.Completed {
		if item.ID == id {
			return true
		}
	}
	return false
}

// IsFailed reports whether id is in the failed set.
func (p Progress) IsFailed(id string) bool {
	for _, f := range p.Failed {
		if f == id {
			return true
		}
	}
	return false
}

// Pending lists ids that are neither completed nor failed, deduplicated, in input order.
func (p Progress) Pending(ids []string) []string {
	done := make(map[string]struct{}, len(p.Completed)+len(p.Failed))
	for _, item := range p.Completed {
		done[item.ID] = struct{}{}
	}
	for _, f := range p.Failed {
		done[f] = struct{}{}
	}
	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, skip := done[id]; skip {
			continue
		}
		done[id] = struct{}{}
		pending = append(pending, id)
	}
	return pending
}

// Validate checks the record invariants.
func (p Progress) Validate() error {
	var errs []error
	completed := make(map[string]struct{}, len(p.Completed))
	for _, item := range p.Completed {
		if _, dup := completed[item.ID]; dup {
			errs = append(errs, fmt.Errorf("identifier %s completed twice", item.ID))
		}
		completed[item.ID] = struct{}{}
	}
	for _, f := range p.Failed {
		if _, ok := completed[f]; ok {
			errs = append(errs, fmt.Errorf("identifier %s is both completed and failed", f))
		}
	}
	for id := range p.Retrieved {
		if _, ok := completed[id]; !ok {
			errs = append(errs, fmt.Errorf("retrieved identifier %s is not completed", id))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy. Retrieved payload slices are shared since they are never mutated.
func (p Progress) Clone() Progress {
	out := Progress{
		Completed: append([]CompletedItem{}, p.Completed...),
		Failed:    append([]string{}, p.Failed...),
		Retrieved: make(map[string]RetrievedItem, len(p.Retrieved)),
		Metadata:  p.Metadata,
		Positions: p.Positions.clone(),
	}
	for k, v := range p.Retrieved {
		out.Retrieved[k] = v
	}
	return out
}

func (p *Progress) recordSuccess(id, path, fileName string, data []byte) {
	p.Failed = removeString(p.Failed, id)
	if !p.IsCompleted(id) {
		p.Completed = append(p.Completed, CompletedItem{ID: id, Path: path})
	}
	if p.Retrieved == nil {
		p.Retrieved = map[string]RetrievedItem{}
	}
	if _, exists := p.Retrieved[id]; !exists {
		p.Retrieved[id] = RetrievedItem{FileName: fileName, Data: append([]byte(nil), data...)}
	}
}

func (p *Progress) recordFailure(id string) {
	if p.IsCompleted(id) || p.IsFailed(id) {
		return
	}
	p.Failed = append(p.Failed, id)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
