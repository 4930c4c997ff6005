package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"mime"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/backend"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

const maxUploadSize = 32 << 20

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func logTimings(logger *zap.SugaredLogger, t *models.ProcessingTimings) {
	logger.Debugw("processing times",
		"request_id", t.RequestID,
		"image_decode", t.ImageDecode,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"nms", t.NMS,
		"total", t.Total,
	)
}

type AppState struct {
	Pool       *DetectorPool
	ClassNames []string
	Logger     *zap.SugaredLogger
}

type DetectionResponse struct {
	RequestID   string          `json:"request_id"`
	Count       int             `json:"count"`
	Message     string          `json:"message"`
	ImageWidth  int             `json:"image_width"`
	ImageHeight int             `json:"image_height"`
	Detections  []DetectionJSON `json:"detections"`
}

type DetectionJSON struct {
	ClassID int     `json:"class_id"`
	Label   string  `json:"label"`
	Score   float32 `json:"score"`
	Box     BoxJSON `json:"box"`
}

type BoxJSON struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func main() {
	cfg, err := LoadConfig(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("service stopped", "error", err)
	}
}

func run(cfg *Config, logger *zap.SugaredLogger) error {
	if backend.KindForModel(cfg.ModelPath) == backend.KindGraph {
		if err := backend.InitializeGraphRuntime(cfg.OnnxRuntimeLib); err != nil {
			return err
		}
		defer backend.DestroyGraphRuntime()
	}

	threads := runtime.NumCPU() / cfg.PoolSize
	if threads < 1 {
		threads = 1
	}
	files := detections.ModelFiles{
		Model:   cfg.ModelPath,
		Config:  cfg.ConfigPath,
		UseGPU:  cfg.UseGPU,
		Threads: threads,
	}
	factory := func() (*detections.Detector, error) {
		return detections.Open(cfg.Detector, files, logger)
	}

	pool, err := NewDetectorPool(cfg.PoolSize, cfg.AcquireTimeout, factory, logger)
	if err != nil {
		return fmt.Errorf("create detector pool: %w", err)
	}
	defer pool.Destroy()

	state := &AppState{
		Pool:       pool,
		ClassNames: cfg.Detector.ClassNames,
		Logger:     logger,
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.ListenAddr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting server", "addr", srv.Addr, "model", cfg.ModelPath, "detector", cfg.Detector.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *AppState) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", handleDetect(s)).Methods("POST")
	s.addMonitoringRoutes(r)
	return r
}

func handleDetect(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		requestID := uuid.NewString()
		timings := &models.ProcessingTimings{RequestID: requestID}
		w.Header().Set("X-Request-ID", requestID)

		ctx := r.Context()
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		var imgBytes []byte
		var err error

		switch mediaType {
		case "application/json":
			imgBytes, err = handleJSONRequest(r)
		case "multipart/form-data":
			imgBytes, err = handleMultipartRequest(r)
		default:
			imgBytes, err = handleRawRequest(r)
		}

		if err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		decodeStart := time.Now()
		img, err := decodeImage(imgBytes)
		timings.ImageDecode = time.Since(decodeStart)
		if err != nil {
			sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
			return
		}

		detector, err := state.Pool.Acquire(ctx)
		if err != nil {
			sendErrorResponse(w, "detector_unavailable", err.Error(), http.StatusServiceUnavailable)
			return
		}

		found, err := detector.DetectWithTimings(img, timings)
		if errors.Is(err, models.ErrInference) {
			state.Pool.Discard(detector, err)
		} else {
			state.Pool.Release(detector)
		}
		if err != nil {
			code, status := errorStatus(err)
			state.Logger.Warnw("detection failed", "request_id", requestID, "error", err)
			sendErrorResponse(w, code, err.Error(), status)
			return
		}

		timings.Total = time.Since(startTotal)
		logTimings(state.Logger, timings)

		bounds := img.Bounds()
		response := DetectionResponse{
			RequestID:   requestID,
			Count:       len(found),
			Message:     detectionMessage(len(found)),
			ImageWidth:  bounds.Dx(),
			ImageHeight: bounds.Dy(),
			Detections:  make([]DetectionJSON, len(found)),
		}
		for i, d := range found {
			response.Detections[i] = DetectionJSON{
				ClassID: d.ClassID,
				Label:   d.Label(state.ClassNames),
				Score:   d.Score,
				Box:     BoxJSON{X: d.Box.X, Y: d.Box.Y, Width: d.Box.Width, Height: d.Box.Height},
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// errorStatus maps an error kind to the response code and HTTP status.
func errorStatus(err error) (string, int) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_image", http.StatusBadRequest
	case errors.Is(err, models.ErrNotReady):
		return "detector_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInference):
		return "inference_error", http.StatusInternalServerError
	default:
		return "processing_error", http.StatusInternalServerError
	}
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Pool.GetMetrics())
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, errors.New("image field is empty")
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("request body is empty")
	}
	return data, nil
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func detectionMessage(count int) string {
	switch {
	case count == 0:
		return MsgNoObjects
	case count == 1:
		return MsgSingleObject
	default:
		return fmt.Sprintf(MsgMultipleObjects, count)
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
