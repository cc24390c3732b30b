package main

import (
	"context"
	"fmt"
	"time"

	"github.com/whyrusleeping/predictcam/classify"
	"github.com/whyrusleeping/predictcam/models"
	"gorm.io/gorm"
)

// History keeps a record of every submission made through the CLI or the web
// front end. The classify client never touches it.
type History struct {
	db *gorm.DB
}

func NewHistory(db *gorm.DB) (*History, error) {
	log.Info("Migrating database")
	if err := db.AutoMigrate(&models.PredictionRun{}, &models.PredictionEntry{}); err != nil {
		return nil, fmt.Errorf("migrating history tables: %w", err)
	}

	return &History{db: db}, nil
}

func (h *History) Record(ctx context.Context, run *models.PredictionRun, preds []classify.Prediction) error {
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}

		if len(preds) == 0 {
			return nil
		}

		entries := make([]models.PredictionEntry, 0, len(preds))
		for i, p := range preds {
			entries = append(entries, models.PredictionEntry{
				Run:         run.ID,
				Rank:        i,
				Label:       p.Label,
				Probability: p.Probability,
			})
		}
		if err := tx.Create(&entries).Error; err != nil {
			return err
		}

		run.Entries = entries
		return nil
	})
}

func (h *History) Recent(ctx context.Context, limit int) ([]models.PredictionRun, error) {
	var runs []models.PredictionRun
	if err := h.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}

	for i := range runs {
		if err := h.loadEntries(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}

	return runs, nil
}

// Get returns nil, nil when no run has the given id.
func (h *History) Get(ctx context.Context, tid string) (*models.PredictionRun, error) {
	var run models.PredictionRun
	if err := h.db.WithContext(ctx).Find(&run, "tid = ?", tid).Error; err != nil {
		return nil, err
	}

	if run.ID == 0 {
		return nil, nil
	}

	if err := h.loadEntries(ctx, &run); err != nil {
		return nil, err
	}

	return &run, nil
}

func (h *History) loadEntries(ctx context.Context, run *models.PredictionRun) error {
	return h.db.WithContext(ctx).Order("rank asc").Find(&run.Entries, "run = ?", run.ID).Error
}

// Prune deletes runs created before the cutoff, with their entries.
func (h *History) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.PredictionRun{}).Where("created_at < ?", before).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("run IN ?", ids).Delete(&models.PredictionEntry{}).Error; err != nil {
			return err
		}

		res := tx.Where("id IN ?", ids).Delete(&models.PredictionRun{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}

func (h *History) runRetention(ctx context.Context, keep time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()

	for {
		n, err := h.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			log.Errorf("failed to prune history: %s", err)
		} else if n > 0 {
			log.Infof("pruned %d old prediction runs", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
