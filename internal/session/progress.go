package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autobuildhq/autobuild/internal/errors"
)

// ProgressRecord is the human-readable state of one in-flight issue,
// written so an operator can peek at {session}/progress/{issue}.yaml
// while the session runs.
type ProgressRecord struct {
	Issue   string    `yaml:"issue"`
	Step    string    `yaml:"step"`
	Done    []string  `yaml:"done,omitempty"`
	Next    string    `yaml:"next,omitempty"`
	Updated time.Time `yaml:"updated"`
}

// ProgressWriter maintains one YAML record per in-flight issue inside a
// session's progress directory. Records are removed when the issue
// reaches a terminal state.
type ProgressWriter struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewProgressWriter creates a writer for sessionDir's progress records.
func NewProgressWriter(sessionDir string) *ProgressWriter {
	return &ProgressWriter{
		dir: filepath.Join(sessionDir, ProgressDirName),
		now: time.Now,
	}
}

// Write creates or replaces the record for rec.Issue, stamping Updated.
func (p *ProgressWriter) Write(rec ProgressRecord) error {
	if err := validIssueID(rec.Issue); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}
	rec.Updated = p.now()
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}
	return atomicWriteFile(p.path(rec.Issue), data, 0o644)
}

// Read loads the record for one issue.
func (p *ProgressWriter) Read(issueID string) (*ProgressRecord, error) {
	if err := validIssueID(issueID); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path(issueID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("progress record", issueID)
		}
		return nil, fmt.Errorf("read progress record: %w", err)
	}
	var rec ProgressRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse progress record: %w", err)
	}
	return &rec, nil
}

// Remove deletes the record for an issue that reached a terminal state.
// A missing record is not an error; crash recovery calls this blindly.
func (p *ProgressWriter) Remove(issueID string) error {
	if err := validIssueID(issueID); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path(issueID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove progress record: %w", err)
	}
	return nil
}

// List returns every in-flight record sorted by issue ID.
func (p *ProgressWriter) List() ([]ProgressRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read progress directory: %w", err)
	}

	var records []ProgressRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec ProgressRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Issue < records[j].Issue })
	return records, nil
}

// Clear removes every record, used when a session stops.
func (p *ProgressWriter) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("clear progress directory: %w", err)
	}
	return nil
}

func (p *ProgressWriter) path(issueID string) string {
	return filepath.Join(p.dir, issueID+".yaml")
}

func validIssueID(id string) error {
	if id == "" {
		return errors.NewValidationError("issue ID is empty")
	}
	if strings.ContainsAny(id, `/\`) {
		return errors.NewValidationError("issue ID contains path separators").
			WithField("issue").WithValue(id)
	}
	return nil
}
