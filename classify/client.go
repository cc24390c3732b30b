package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var log = logging.Logger("classify")

// Wire contract of the classification server. The trailing slash on the path
// is required for its routing.
const (
	PredictPath = "predict-json/"
	FileField   = "file"
)

// responses larger than this are treated as a decode failure
const maxResponseBytes = 8 << 20

var predictHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "classify_predict_duration",
	Help:    "A histogram of classifier round trip durations in milliseconds",
	Buckets: prometheus.ExponentialBuckets(1, 2, 15),
}, []string{"outcome"})

type Config struct {
	// BaseURL is the scheme+host+port prefix that PredictPath is resolved
	// against. A path without a trailing slash is treated as a directory.
	BaseURL string

	// Timeout bounds a whole round trip, body included.
	Timeout time.Duration

	HTTPClient *http.Client
	UserAgent  string
}

// Client submits images to a classification endpoint. It keeps no state
// between calls and is safe for concurrent use.
type Client struct {
	endpoint  string
	timeout   time.Duration
	userAgent string
	httpc     *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("classifier base url is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("classifier timeout must be positive")
	}

	endpoint, err := resolveEndpoint(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}

	return &Client{
		endpoint:  endpoint,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		httpc:     httpc,
	}, nil
}

func resolveEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid classifier base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("classifier base url must be http or https, got %q", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("classifier base url has no host: %q", base)
	}

	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		u.RawPath = ""
	}

	return u.ResolveReference(&url.URL{Path: PredictPath}).String(), nil
}

// Endpoint returns the fully resolved URL that Predict posts to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Predict performs exactly one round trip. Every failure is an *Error; nothing
// is retried.
func (c *Client) Predict(ctx context.Context, payload *ImagePayload) ([]Prediction, error) {
	ctx, span := otel.Tracer("classify").Start(ctx, "Predict")
	defer span.End()

	start := time.Now()
	preds, err := c.predict(ctx, payload)

	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("predictions", len(preds)))
	}
	predictHist.WithLabelValues(outcome).Observe(float64(time.Since(start).Milliseconds()))

	log.Debugf("predict %s: outcome=%s took=%s", c.endpoint, outcome, time.Since(start))
	return preds, err
}

func (c *Client) predict(ctx context.Context, payload *ImagePayload) ([]Prediction, error) {
	if err := payload.validate(); err != nil {
		return nil, &Error{Kind: KindInvalidPayload, Err: err}
	}

	body, contentType, err := encodeMultipart(payload)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPayload, Err: err}
	}

	reqctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, transportError(ctx, reqctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, transportError(ctx, reqctx, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindServer, StatusCode: resp.StatusCode, Body: respBody}
	}

	if len(respBody) > maxResponseBytes {
		return nil, &Error{Kind: KindDecode, Err: fmt.Errorf("response larger than %d bytes", maxResponseBytes)}
	}

	preds, err := decodePredictions(respBody)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: err}
	}

	return preds, nil
}

// transportError classifies a failure that happened before a complete
// response was read.
func transportError(parent, reqctx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return &Error{Kind: KindCanceled, Err: parent.Err()}
	}

	if errors.Is(reqctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}

	return &Error{Kind: KindConnection, Err: err}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(payload *ImagePayload) ([]byte, string, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)

	// CreateFormFile would force application/octet-stream, so build the
	// header by hand to carry the payload's media type.
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(FileField), quoteEscaper.Replace(payload.Filename)))
	h.Set("Content-Type", payload.MediaType)

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload.Data); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buffer.Bytes(), writer.FormDataContentType(), nil
}

type wirePrediction struct {
	Class *string  `json:"class"`
	Prob  *float64 `json:"prob"`
}

func decodePredictions(body []byte) ([]Prediction, error) {
	var wire []wirePrediction
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	if wire == nil {
		return nil, fmt.Errorf("response is not a JSON array")
	}

	out := make([]Prediction, 0, len(wire))
	for i, w := range wire {
		if w.Class == nil {
			return nil, fmt.Errorf("element %d: missing \"class\"", i)
		}
		if w.Prob == nil {
			return nil, fmt.Errorf("element %d: missing \"prob\"", i)
		}

		out = append(out, Prediction{
			Label:       *w.Class,
			Probability: *w.Prob,
		})
	}

	return out, nil
}
