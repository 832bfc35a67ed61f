package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-prediction-demo/capture"
	"github.com/Tutortoise/face-prediction-demo/config"
	"github.com/Tutortoise/face-prediction-demo/engine"
	"github.com/Tutortoise/face-prediction-demo/metrics"
	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/pipeline"
	"github.com/Tutortoise/face-prediction-demo/predictor"
	"github.com/Tutortoise/face-prediction-demo/render"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PredictorSession is the part of predictor.Session the handlers use.
type PredictorSession interface {
	Load(ctx context.Context) error
	State() predictor.State
	Err() error
	PredictFace(ctx context.Context, frame image.Image, box models.BoundingBox) (float64, error)
}

type AppState struct {
	Config    *config.Config
	Locator   pipeline.FaceLocator
	Predictor PredictorSession
	// Pools reports session pool stats by model name for /healthz.
	Pools   map[string]func() engine.PoolStats
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*cameraSession
}

type PredictResponse struct {
	RequestID string               `json:"request_id"`
	Width     int                  `json:"width"`
	Height    int                  `json:"height"`
	FaceCount int                  `json:"face_count"`
	Faces     []pipeline.StillFace `json:"faces"`
	Message   string               `json:"message"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status         string                `json:"status"`
	Predictor      string                `json:"predictor"`
	Error          string                `json:"error,omitempty"`
	CameraSessions int                   `json:"camera_sessions"`
	Pools          map[string]PoolHealth `json:"pools,omitempty"`
}

type PoolHealth struct {
	Size      int    `json:"size"`
	Live      int    `json:"live"`
	InUse     int    `json:"in_use"`
	LastError string `json:"last_error,omitempty"`
}

func (s *AppState) addRoutes(r *mux.Router) error {
	static, err := staticHandler()
	if err != nil {
		return err
	}

	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	r.HandleFunc("/ws/camera", s.handleCamera).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(static).Methods(http.MethodGet)
	return nil
}

// ensurePredictor loads the predictor if it is not Ready yet, for instance
// after a failed load at startup.
func (s *AppState) ensurePredictor(ctx context.Context) error {
	if s.Predictor.State() == predictor.Ready {
		return nil
	}
	return s.Predictor.Load(ctx)
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := uuid.NewString()
	timings := &models.ProcessingTimings{RequestID: requestID}
	log := s.Log.WithField("request_id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadMB<<20)

	var imgBytes []byte
	var err error

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		imgBytes, err = handleJSONRequest(r)
	case "multipart/form-data":
		imgBytes, err = handleMultipartRequest(r, s.Config.MaxUploadMB<<20)
	default:
		imgBytes, err = handleRawRequest(r)
	}
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := capture.DecodeBytes(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	if err := s.ensurePredictor(r.Context()); err != nil {
		log.WithError(err).Error("predictor unavailable")
		sendErrorResponse(w, "model_unavailable", MsgModelUnavailable, http.StatusServiceUnavailable)
		return
	}

	result, err := pipeline.AnalyzeStill(r.Context(), s.Locator, s.Predictor, capture.NewStill(img),
		render.Options{Precision: s.Config.Precision}, log)
	if err != nil {
		log.WithError(err).Error("processing upload")
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	result.Timings.RequestID = requestID
	result.Timings.ImageDecode = timings.ImageDecode
	result.Timings.Total = time.Since(startTotal)
	logTimings(log, &result.Timings)

	faceCount := len(result.Faces)
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Face-Count", strconv.Itoa(faceCount))

	if r.URL.Query().Get("format") == "png" {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, result.Annotated, imaging.PNG); err != nil {
			sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
		return
	}

	faces := result.Faces
	if faces == nil {
		faces = []pipeline.StillFace{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PredictResponse{
		RequestID: requestID,
		Width:     result.Width,
		Height:    result.Height,
		FaceCount: faceCount,
		Faces:     faces,
		Message:   getFaceMessage(faceCount),
	})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.Predictor.State()
	resp := HealthResponse{
		Status:         "ok",
		Predictor:      state.String(),
		CameraSessions: s.sessionCount(),
	}
	status := http.StatusOK
	if state != predictor.Ready {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if err := s.Predictor.Err(); err != nil {
		resp.Error = err.Error()
	}

	// a pool with no sessions left cannot serve anything until a rebuild lands
	for name, stats := range s.Pools {
		st := stats()
		if st.Size == 0 {
			continue
		}
		if resp.Pools == nil {
			resp.Pools = make(map[string]PoolHealth, len(s.Pools))
		}
		resp.Pools[name] = PoolHealth{Size: st.Size, Live: st.Live, InUse: st.InUse, LastError: st.LastError}
		if st.Live == 0 {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
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

func handleMultipartRequest(r *http.Request, maxMemory int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
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

func getFaceMessage(faceCount int) string {
	if faceCount == 0 {
		return MsgNoFace
	}
	return fmt.Sprintf(MsgFacesFound, faceCount)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
