package models

import (
	"time"
)

// PredictionRun is one submission to the classifier, successful or not.
type PredictionRun struct {
	ID        uint      `gorm:"primarykey" json:"-" yaml:"-"`
	CreatedAt time.Time `gorm:"index" json:"created_at" yaml:"created_at"`

	Tid         string `gorm:"uniqueIndex" json:"id" yaml:"id"`
	Fingerprint string `gorm:"index" json:"fingerprint" yaml:"fingerprint"`
	Filename    string `json:"filename" yaml:"filename"`
	MediaType   string `json:"media_type" yaml:"media_type"`
	Size        int    `json:"size" yaml:"size"`

	Outcome    string `gorm:"index" json:"outcome" yaml:"outcome"`
	StatusCode int    `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	LatencyMs  int64  `json:"latency_ms" yaml:"latency_ms"`

	Entries []PredictionEntry `gorm:"-" json:"predictions" yaml:"predictions"`
}

type PredictionEntry struct {
	ID          uint    `gorm:"primarykey" json:"-" yaml:"-"`
	Run         uint    `gorm:"uniqueIndex:idx_entry_run_rank" json:"-" yaml:"-"`
	Rank        int     `gorm:"uniqueIndex:idx_entry_run_rank" json:"rank" yaml:"rank"`
	Label       string  `gorm:"index" json:"class" yaml:"class"`
	Probability float64 `json:"prob" yaml:"prob"`
}

const OutcomeOK = "ok"

func (r *PredictionRun) Succeeded() bool {
	return r.Outcome == OutcomeOK
}
