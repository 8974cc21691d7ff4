package serve

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"wms/network"
	"wms/predict"
	"wms/tensor"
	"wms/transforms"
)

type fixedNet struct {
	logit float32
	param *network.Parameter
}

func newFixedNet(logit float32) *fixedNet {
	v, _ := tensor.FromSlice([]float32{logit}, 1)
	g, _ := tensor.New(1)
	return &fixedNet{logit: logit, param: &network.Parameter{Name: "logit", Value: v, Grad: g}}
}

func (f *fixedNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.New(x.Dim(0), 1, x.Dim(2), x.Dim(3))
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i] = f.logit
	}
	return out, nil
}

func (f *fixedNet) Backward(*tensor.Tensor) error    { return nil }
func (f *fixedNet) Parameters() []*network.Parameter { return []*network.Parameter{f.param} }
func (f *fixedNet) Train()                           {}
func (f *fixedNet) Eval()                            {}

func readyApp() *App {
	pre := &transforms.Preprocess{TargetSize: 16, StretchLow: 2, StretchHigh: 98}
	return New(predict.New(newFixedNet(4), pre))
}

func multipartImage(t *testing.T, field string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, "meter.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatal(err)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func encodedTestImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestHealthBeforeModelLoaded(t *testing.T) {
	app := New(nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rec.Code)
	}
}

func TestHealthAfterModelLoaded(t *testing.T) {
	app := readyApp()
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var got healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "healthy" || !got.ModelLoaded {
		t.Errorf("health body: %+v", got)
	}
}

func TestPredictSuccess(t *testing.T) {
	app := readyApp()
	body, contentType := multipartImage(t, "image", encodedTestImage(t))

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", rec.Code, rec.Body.String())
	}
	var got predictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "success" || got.MaskBase64 == "" {
		t.Errorf("predict body: status=%s, mask empty=%v", got.Status, got.MaskBase64 == "")
	}
	if len(got.Metadata.InputSize) != 2 || got.Metadata.InputSize[0] != 32 {
		t.Errorf("input_size: %v", got.Metadata.InputSize)
	}
	if len(got.Metadata.OutputSize) != 2 || got.Metadata.OutputSize[0] != 16 {
		t.Errorf("output_size: %v", got.Metadata.OutputSize)
	}
}

func TestPredictCorruptImageIs400(t *testing.T) {
	app := readyApp()
	body, contentType := multipartImage(t, "image", []byte("definitely not a PNG"))

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
	var got errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.Detail, "not a decodable image") {
		t.Errorf("detail: %s", got.Detail)
	}
}

func TestPredictMissingFieldIs400(t *testing.T) {
	app := readyApp()
	body, contentType := multipartImage(t, "photo", encodedTestImage(t))

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestPredictWithoutModelIs503(t *testing.T) {
	app := New(nil)
	body, contentType := multipartImage(t, "image", encodedTestImage(t))

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointCountsPredictions(t *testing.T) {
	app := readyApp()
	body, contentType := multipartImage(t, "image", encodedTestImage(t))
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	app.Handler().ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	text := rec.Body.String()
	if !strings.Contains(text, "wms_predictions_total 1") {
		t.Errorf("metrics missing prediction count:\n%s", text)
	}
	if !strings.Contains(text, "wms_model_loaded 1") {
		t.Errorf("metrics missing model gauge:\n%s", text)
	}
	if !strings.Contains(text, "wms_predict_latency_seconds") {
		t.Error("metrics missing latency histogram")
	}
}
