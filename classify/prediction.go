package classify

import "context"

// Prediction is one label/probability pair as returned by the classifier.
// Probability is passed through exactly as the server sent it.
type Prediction struct {
	Label       string  `json:"class" yaml:"class"`
	Probability float64 `json:"prob" yaml:"prob"`
}

type Predictor interface {
	Predict(ctx context.Context, payload *ImagePayload) ([]Prediction, error)
}

var _ Predictor = (*Client)(nil)
