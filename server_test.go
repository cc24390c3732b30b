package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whyrusleeping/predictcam/classify"
)

// fakePredictor answers every call with the same canned response.
type fakePredictor struct {
	preds []classify.Prediction
	err   error

	mu    sync.Mutex
	calls []*classify.ImagePayload
}

func (f *fakePredictor) Predict(ctx context.Context, payload *classify.ImagePayload) ([]classify.Prediction, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	f.mu.Unlock()
	return f.preds, f.err
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/predict", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func newTestServer(t *testing.T, fp *fakePredictor, secret string) *Server {
	t.Helper()
	s, err := NewServer(NewImageSubmitter(fp, nil), nil, ServerConfig{
		RecentResults: 10,
		AuthSecret:    []byte(secret),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s
}

func TestHandlePredictSuccess(t *testing.T) {
	fp := &fakePredictor{preds: []classify.Prediction{
		{Label: "rosa-canina", Probability: 0.87},
		{Label: "rosa-rugosa", Probability: 0.1},
	}}
	e := newTestServer(t, fp, "").Echo()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "file", "IBT_23255.jpeg", []byte("jpegbytes")))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.ID == "" {
		t.Error("expected result id to be set")
	}
	if len(res.Rows) != 2 || res.Rows[0].Genus != "Rosa" || res.Rows[0].Species != "canina" {
		t.Errorf("unexpected rows: %+v", res.Rows)
	}
	if res.Predictions[1].Label != "rosa-rugosa" {
		t.Errorf("expected server order to be kept, got %+v", res.Predictions)
	}

	if len(fp.calls) != 1 {
		t.Fatalf("expected 1 predict call, got %d", len(fp.calls))
	}
	if fp.calls[0].Filename != "IBT_23255.jpeg" || fp.calls[0].MediaType != "image/jpeg" {
		t.Errorf("unexpected payload %+v", fp.calls[0])
	}

	// the same result can be fetched again from the recent cache
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/results/"+res.ID, nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 for recent result, got %d", rec.Code)
	}
}

func TestHandlePredictFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"timeout", &classify.Error{Kind: classify.KindTimeout}, http.StatusGatewayTimeout},
		{"server", &classify.Error{Kind: classify.KindServer, StatusCode: 500}, http.StatusBadGateway},
		{"decode", &classify.Error{Kind: classify.KindDecode}, http.StatusBadGateway},
		{"connection", &classify.Error{Kind: classify.KindConnection}, http.StatusBadGateway},
		{"invalid", &classify.Error{Kind: classify.KindInvalidPayload}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(t, &fakePredictor{err: tt.err}, "").Echo()

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, uploadRequest(t, "file", "a.jpg", []byte("x")))

			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}

			var res Result
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !strings.HasPrefix(res.Message, "Upload failed") {
				t.Errorf("expected failure message, got %q", res.Message)
			}
		})
	}
}

func TestHandlePredictMissingFile(t *testing.T) {
	fp := &fakePredictor{}
	e := newTestServer(t, fp, "").Echo()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "upload", "a.jpg", []byte("x")))

	if rec.Code != 400 {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if len(fp.calls) != 0 {
		t.Errorf("expected no predict calls, got %d", len(fp.calls))
	}
}

func TestGetResultMissing(t *testing.T) {
	e := newTestServer(t, &fakePredictor{}, "").Echo()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/results/nope", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	secret := "sekrit"
	fp := &fakePredictor{preds: []classify.Prediction{}}
	e := newTestServer(t, fp, secret).Echo()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "file", "a.jpg", []byte("x")))
	if rec.Code != 401 {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	bad, err := mintToken([]byte("wrong"), "camera", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := uploadRequest(t, "file", "a.jpg", []byte("x"))
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("expected 401 with wrong secret, got %d", rec.Code)
	}

	tok, err := mintToken([]byte(secret), "camera", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req = uploadRequest(t, "file", "a.jpg", []byte("x"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 {
		t.Errorf("expected healthz to skip auth, got %d", rec.Code)
	}
}

func TestCheckJwtExpired(t *testing.T) {
	secret := []byte("sekrit")
	tok, err := mintToken(secret, "camera", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := checkJwt(secret, tok); err == nil {
		t.Error("expected expired token to be rejected")
	}

	tok, err = mintToken(secret, "phone", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := checkJwt(secret, tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != "phone" {
		t.Errorf("expected subject phone, got %s", sub)
	}
}

func TestGetResultImage(t *testing.T) {
	fp := &fakePredictor{preds: []classify.Prediction{{Label: "rosa-canina", Probability: 0.87}}}
	e := newTestServer(t, fp, "").Echo()

	img := []byte("\xff\xd8\xffjpegbytes")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "file", "IBT_23255.jpeg", img))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.ImageURL != "/results/"+res.ID+"/image" {
		t.Fatalf("unexpected image url %q", res.ImageURL)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, res.ImageURL, nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 for image, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), img) {
		t.Errorf("expected uploaded bytes back, got %q", rec.Body.Bytes())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/results/nope/image", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 for unknown image, got %d", rec.Code)
	}
}

func TestLiveBroadcast(t *testing.T) {
	testLiveBroadcast(t, "")
}

func TestLiveBroadcastQueryToken(t *testing.T) {
	testLiveBroadcast(t, "sekrit")
}

func testLiveBroadcast(t *testing.T, secret string) {
	fp := &fakePredictor{preds: []classify.Prediction{{Label: "bellis-perennis", Probability: 0.5}}}
	s := newTestServer(t, fp, secret)
	srv := httptest.NewServer(s.Echo())
	defer srv.Close()

	wsurl := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live"

	var tok string
	if secret != "" {
		_, resp, err := websocket.DefaultDialer.Dial(wsurl, nil)
		if err == nil {
			t.Fatal("expected live feed to require a token")
		}
		if resp == nil || resp.StatusCode != 401 {
			t.Fatalf("expected 401 without token, got %v", resp)
		}

		tok, err = mintToken([]byte(secret), "screen", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		wsurl += "?token=" + tok
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsurl, nil)
	if err != nil {
		t.Fatalf("failed to dial live feed: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.live.Viewers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req := uploadRequest(t, "file", "a.jpg", []byte("x"))
	preq, err := http.NewRequest(http.MethodPost, srv.URL+"/predict", req.Body)
	if err != nil {
		t.Fatal(err)
	}
	preq.Header.Set("Content-Type", req.Header.Get("Content-Type"))
	if tok != "" {
		preq.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(preq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read live message: %v", err)
	}

	var res Result
	if err := json.Unmarshal(msg, &res); err != nil {
		t.Fatalf("failed to decode live message: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0].Genus != "Bellis" {
		t.Errorf("unexpected live result %+v", res)
	}
	if res.ImageURL == "" {
		t.Errorf("expected live result to carry an image url")
	}
}
