// Package serve is the HTTP inference shell: a health probe, a multipart
// prediction endpoint, and Prometheus metrics. All state lives in an App
// built at startup; there are no package globals.
package serve

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wms/predict"
)

// Metrics is the Prometheus instrumentation for the prediction service.
type Metrics struct {
	registry    *prometheus.Registry
	predictions prometheus.Counter
	errors      prometheus.Counter
	latency     prometheus.Histogram
	modelLoaded prometheus.Gauge
}

// NewMetrics creates and registers the wms_* metric series.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wms_predictions_total",
			Help: "Total number of predictions made",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wms_predict_errors_total",
			Help: "Total number of prediction errors",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wms_predict_latency_seconds",
			Help: "Prediction latency in seconds",
		}),
		modelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wms_model_loaded",
			Help: "Model loaded status (1=loaded, 0=not loaded)",
		}),
	}
	m.registry.MustRegister(m.predictions, m.errors, m.latency, m.modelLoaded)
	return m
}

// App is the serving context.
type App struct {
	echo    *echo.Echo
	metrics *Metrics

	mu        sync.RWMutex
	predictor *predict.Predictor
}

// New builds the app. A nil predictor starts the service in a not-ready
// state; SetPredictor flips it once a model is available.
func New(predictor *predict.Predictor) *App {
	a := &App{
		echo:    echo.New(),
		metrics: NewMetrics(),
	}
	a.echo.HideBanner = true
	a.echo.Use(middleware.Recover())

	a.echo.GET("/health", a.handleHealth)
	a.echo.POST("/predict", a.handlePredict)
	a.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{})))

	a.SetPredictor(predictor)
	return a
}

// SetPredictor installs the model and updates the readiness gauge.
func (a *App) SetPredictor(p *predict.Predictor) {
	a.mu.Lock()
	a.predictor = p
	a.mu.Unlock()
	if p != nil {
		a.metrics.modelLoaded.Set(1)
	} else {
		a.metrics.modelLoaded.Set(0)
	}
}

func (a *App) getPredictor() *predict.Predictor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.predictor
}

// Handler exposes the underlying HTTP handler for tests.
func (a *App) Handler() http.Handler {
	return a.echo
}

// Start blocks serving on addr.
func (a *App) Start(addr string) error {
	return a.echo.Start(addr)
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

type predictMetadata struct {
	InputSize      []int   `json:"input_size"`
	OutputSize     []int   `json:"output_size"`
	LatencySeconds float64 `json:"latency_seconds"`
}

type predictResponse struct {
	Status     string          `json:"status"`
	MaskBase64 string          `json:"mask_base64"`
	Metadata   predictMetadata `json:"metadata"`
}

type errorResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func (a *App) handleHealth(c echo.Context) error {
	if a.getPredictor() == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{
			Status: "unavailable", Detail: "Model not loaded",
		})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "healthy", ModelLoaded: true})
}

func (a *App) handlePredict(c echo.Context) error {
	p := a.getPredictor()
	if p == nil {
		a.metrics.errors.Inc()
		return c.JSON(http.StatusServiceUnavailable, errorResponse{
			Status: "error", Detail: "Model not loaded",
		})
	}

	start := time.Now()

	fileHeader, err := c.FormFile("image")
	if err != nil {
		a.metrics.errors.Inc()
		return c.JSON(http.StatusBadRequest, errorResponse{
			Status: "error", Detail: "Missing image file in form field 'image'",
		})
	}
	file, err := fileHeader.Open()
	if err != nil {
		a.metrics.errors.Inc()
		return c.JSON(http.StatusBadRequest, errorResponse{
			Status: "error", Detail: fmt.Sprintf("Could not read upload: %v", err),
		})
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		a.metrics.errors.Inc()
		return c.JSON(http.StatusBadRequest, errorResponse{
			Status: "error", Detail: "Uploaded file is not a decodable image",
		})
	}

	mask, err := p.Predict(img)
	if err != nil {
		a.metrics.errors.Inc()
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Status: "error", Detail: fmt.Sprintf("Prediction failed: %v", err),
		})
	}
	encoded, err := predict.EncodeMaskBase64(mask)
	if err != nil {
		a.metrics.errors.Inc()
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Status: "error", Detail: fmt.Sprintf("Mask encoding failed: %v", err),
		})
	}

	latency := time.Since(start).Seconds()
	a.metrics.predictions.Inc()
	a.metrics.latency.Observe(latency)

	bounds := img.Bounds()
	size := p.InputSize()
	return c.JSON(http.StatusOK, predictResponse{
		Status:     "success",
		MaskBase64: encoded,
		Metadata: predictMetadata{
			InputSize:      []int{bounds.Dx(), bounds.Dy()},
			OutputSize:     []int{size, size},
			LatencySeconds: latency,
		},
	})
}
