package main

import (
	"context"
	"errors"
	"time"

	"github.com/whyrusleeping/predictcam/classify"
	"github.com/whyrusleeping/predictcam/display"
	"github.com/whyrusleeping/predictcam/models"
)

// Result is what the front ends show for one submission.
type Result struct {
	ID          string                `json:"id" yaml:"id"`
	Fingerprint string                `json:"fingerprint" yaml:"fingerprint"`
	Filename    string                `json:"filename" yaml:"filename"`
	Outcome     string                `json:"outcome" yaml:"outcome"`
	Predictions []classify.Prediction `json:"predictions" yaml:"predictions"`
	Rows        []display.Row         `json:"rows" yaml:"rows"`
	Message     string                `json:"message,omitempty" yaml:"message,omitempty"`
	ImageURL    string                `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	CreatedAt   time.Time             `json:"created_at" yaml:"created_at"`

	// the submitted image, for listeners that want to show it next to the
	// predictions; never serialized
	payload *classify.ImagePayload
}

func (r *Result) Payload() *classify.ImagePayload {
	return r.payload
}

type ResultFunc func(context.Context, *Result) error

// ImageSubmitter sends payloads to the classifier and fans the outcome out to
// history and any registered listeners.
type ImageSubmitter struct {
	pc      classify.Predictor
	history *History
	tids    *tidClock

	onResult []ResultFunc
}

func NewImageSubmitter(pc classify.Predictor, history *History) *ImageSubmitter {
	return &ImageSubmitter{
		pc:      pc,
		history: history,
		tids:    newTidClock(),
	}
}

func (is *ImageSubmitter) OnResult(f ResultFunc) {
	is.onResult = append(is.onResult, f)
}

// Submit returns the Result even when the prediction failed, together with
// the classify error.
func (is *ImageSubmitter) Submit(ctx context.Context, payload *classify.ImagePayload) (*Result, error) {
	res := &Result{
		ID:        is.tids.Next(),
		Filename:  payload.Filename,
		CreatedAt: time.Now(),
		payload:   payload,
	}

	if fp, err := payload.Fingerprint(); err == nil {
		res.Fingerprint = fp.String()
	}

	start := time.Now()
	preds, perr := is.pc.Predict(ctx, payload)
	took := time.Since(start)

	run := &models.PredictionRun{
		Tid:         res.ID,
		Fingerprint: res.Fingerprint,
		Filename:    payload.Filename,
		MediaType:   payload.MediaType,
		Size:        len(payload.Data),
		LatencyMs:   took.Milliseconds(),
		Outcome:     models.OutcomeOK,
	}

	if perr != nil {
		log.Warnf("prediction %s for %s failed: %s", res.ID, payload.Filename, perr)
		res.Outcome = classify.KindOf(perr).String()
		res.Message = display.FailureMessage(perr)

		run.Outcome = res.Outcome
		run.Error = perr.Error()
		var ce *classify.Error
		if errors.As(perr, &ce) {
			run.StatusCode = ce.StatusCode
		}
	} else {
		log.Infof("prediction %s for %s: %d classes in %s", res.ID, payload.Filename, len(preds), took)
		res.Outcome = models.OutcomeOK
		res.Predictions = preds
		res.Rows = display.Rows(preds)
	}

	if is.history != nil {
		// a canceled caller should still get its run written down
		if err := is.history.Record(context.WithoutCancel(ctx), run, preds); err != nil {
			log.Errorf("failed to record prediction %s: %s", res.ID, err)
		}
	}

	for _, f := range is.onResult {
		if err := f(ctx, res); err != nil {
			log.Errorf("result handler failed for %s: %s", res.ID, err)
		}
	}

	return res, perr
}
