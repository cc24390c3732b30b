package main

import (
	"context"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/whyrusleeping/predictcam/capture"
	"github.com/whyrusleeping/predictcam/classify"
	"github.com/whyrusleeping/predictcam/display"
	"github.com/whyrusleeping/predictcam/models"
)

var uploadRequestsHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "upload_request_durations",
	Help:    "A histogram of upload handling durations in milliseconds",
	Buckets: prometheus.ExponentialBuckets(1, 2, 15),
}, []string{"outcome"})

var liveViewersGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "predictcam_live_viewers",
})

type Server struct {
	submitter *ImageSubmitter
	history   *History
	live      *LiveHub

	// recent results by id, so a preview screen can re-fetch what it was
	// just shown without a database
	recent *lru.Cache

	// submitted photos for the same results, kept apart since they are much
	// larger than the results themselves
	images *lru.Cache

	authSecret []byte
}

type ServerConfig struct {
	RecentResults int
	RecentImages  int
	AuthSecret    []byte
}

func NewServer(submitter *ImageSubmitter, history *History, cfg ServerConfig) (*Server, error) {
	size := cfg.RecentResults
	if size <= 0 {
		size = 1000
	}
	recent, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	isize := cfg.RecentImages
	if isize <= 0 {
		isize = 100
	}
	images, err := lru.New(isize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		submitter:  submitter,
		history:    history,
		live:       NewLiveHub(),
		recent:     recent,
		images:     images,
		authSecret: cfg.AuthSecret,
	}

	// runs before the live broadcast so viewers get the image url
	submitter.OnResult(func(ctx context.Context, res *Result) error {
		if p := res.Payload(); p != nil {
			s.images.Add(res.ID, p)
			res.ImageURL = "/results/" + res.ID + "/image"
		}
		s.recent.Add(res.ID, res)
		return nil
	})
	submitter.OnResult(s.live.Broadcast)

	return s, nil
}

func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("25M"))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}
		if code >= 500 {
			log.Error(err)
		}
		c.JSON(code, map[string]any{
			"error": msg,
		})
	}

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/predict", s.handlePredict, s.requireAuth)
	e.GET("/results/:id", s.handleGetResult, s.requireAuth)
	e.GET("/results/:id/image", s.handleGetImage, s.requireAuth)
	e.GET("/live", s.handleLive, s.requireAuth)

	return e
}

func (s *Server) handleHealth(e echo.Context) error {
	return e.JSON(200, map[string]any{
		"status":  "ok",
		"viewers": s.live.Viewers(),
	})
}

func (s *Server) handlePredict(e echo.Context) error {
	ctx, span := otel.Tracer("predictcam").Start(e.Request().Context(), "handlePredict")
	defer span.End()

	start := time.Now()
	outcome := "rejected"
	defer func() {
		uploadRequestsHist.WithLabelValues(outcome).Observe(float64(time.Since(start).Milliseconds()))
	}()

	fh, err := e.FormFile(classify.FileField)
	if err != nil {
		return &echo.HTTPError{
			Code:    400,
			Message: "expected a multipart upload with a 'file' field",
		}
	}

	payload, err := capture.FromMultipart(fh)
	if err != nil {
		return &echo.HTTPError{
			Code:    400,
			Message: err.Error(),
		}
	}

	span.SetAttributes(
		attribute.String("filename", payload.Filename),
		attribute.String("media_type", payload.MediaType),
		attribute.Int("size", len(payload.Data)),
	)

	res, err := s.submitter.Submit(ctx, payload)
	outcome = res.Outcome
	if err != nil {
		return e.JSON(statusForError(err), res)
	}

	return e.JSON(200, res)
}

func statusForError(err error) int {
	switch classify.KindOf(err) {
	case classify.KindInvalidPayload:
		return http.StatusBadRequest
	case classify.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleGetResult(e echo.Context) error {
	id := e.Param("id")

	if v, ok := s.recent.Get(id); ok {
		return e.JSON(200, v)
	}

	if s.history != nil {
		run, err := s.history.Get(e.Request().Context(), id)
		if err != nil {
			return err
		}
		if run != nil {
			return e.JSON(200, resultFromRun(run))
		}
	}

	return &echo.HTTPError{
		Code:    404,
		Message: "no such result",
	}
}

// handleGetImage serves the submitted bytes as they were uploaded. Only
// recent submissions are kept; history does not store images.
func (s *Server) handleGetImage(e echo.Context) error {
	v, ok := s.images.Get(e.Param("id"))
	if !ok {
		return &echo.HTTPError{
			Code:    404,
			Message: "no image for result",
		}
	}

	p := v.(*classify.ImagePayload)
	e.Response().Header().Set("Cache-Control", "private, max-age=3600")
	return e.Blob(200, p.MediaType, p.Data)
}

func (s *Server) handleLive(e echo.Context) error {
	liveViewersGauge.Inc()
	defer liveViewersGauge.Dec()
	return s.live.handleLive(e)
}

func resultFromRun(run *models.PredictionRun) *Result {
	res := &Result{
		ID:          run.Tid,
		Fingerprint: run.Fingerprint,
		Filename:    run.Filename,
		Outcome:     run.Outcome,
		CreatedAt:   run.CreatedAt,
	}

	if !run.Succeeded() {
		res.Message = "Upload failed: " + run.Error
		return res
	}

	res.Predictions = entriesToPredictions(run.Entries)
	res.Rows = display.Rows(res.Predictions)

	return res
}
