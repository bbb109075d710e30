package changelog

import (
	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// Writer is the subset of the document used to undo changes.
type Writer interface {
	Set(path string, v document.Value) error
	Delete(path string) (bool, error)
}

// RollbackReport summarizes a rollback.
type RollbackReport struct {
	ToSeq    uint64            `json:"toSeq"`
	Restored []string          `json:"restored"`
	Skipped  map[string]string `json:"skipped,omitempty"`
}

// Rollback undoes, newest first, every in-memory change with a sequence
// number above toSeq. Only critical entries carry enough data to restore;
// auxiliary and placeholder entries are reported as skipped, as are paths
// the writer refuses. The undo writes are themselves logged.
func (l *Log) Rollback(w Writer, toSeq uint64) *RollbackReport {
	l.mu.Lock()
	var pending []Entry
	for _, e := range l.entries {
		if e.Seq > toSeq {
			pending = append(pending, e)
		}
	}
	l.mu.Unlock()

	report := &RollbackReport{ToSeq: toSeq, Skipped: map[string]string{}}
	for i := len(pending) - 1; i >= 0; i-- {
		e := pending[i]
		switch {
		case e.Placeholder:
			report.Skipped[e.Path] = "value was not serializable"
			continue
		case e.Class != ClassCritical:
			report.Skipped[e.Path] = "auxiliary entries keep digests only"
			continue
		}

		var err error
		if e.HadOld {
			old := document.Null()
			if e.OldValue != nil {
				old = *e.OldValue
			}
			err = w.Set(e.Path, old)
		} else {
			_, err = w.Delete(e.Path)
		}
		if err != nil {
			report.Skipped[e.Path] = err.Error()
			continue
		}
		delete(report.Skipped, e.Path)
		report.Restored = append(report.Restored, e.Path)
	}
	return report
}
