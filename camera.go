package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-prediction-demo/capture"
	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/pipeline"
	"github.com/Tutortoise/face-prediction-demo/render"
	"github.com/Tutortoise/face-prediction-demo/tracker"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
}

// controlMessage is a text message sent by the page.
type controlMessage struct {
	Type     string `json:"type"`
	Mirrored bool   `json:"mirrored"`
	Message  string `json:"message"`
}

type overlayFace struct {
	Key   tracker.Key        `json:"key"`
	Box   models.BoundingBox `json:"box"`
	Value *float64           `json:"value,omitempty"`
}

type overlayMessage struct {
	Type     string        `json:"type"`
	Session  string        `json:"session"`
	Seq      uint64        `json:"seq"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Mirrored bool          `json:"mirrored"`
	Redraw   bool          `json:"redraw,omitempty"`
	Faces    []overlayFace `json:"faces"`
	Overlay  string        `json:"overlay"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// cameraSession is one browser camera streaming frames over a websocket.
type cameraSession struct {
	id     string
	conn   *websocket.Conn
	source *capture.Live
	ctrl   *pipeline.Controller
	log    logrus.FieldLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *AppState) handleCamera(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := &cameraSession{
		id:     uuid.NewString(),
		conn:   conn,
		source: capture.NewLive(),
	}
	sess.log = s.Log.WithField("session", sess.id)

	s.Metrics.SessionOpened()
	defer s.Metrics.SessionClosed()

	if err := s.ensurePredictor(r.Context()); err != nil {
		sess.log.WithError(err).Error("predictor unavailable for camera session")
		sess.closeWithError("model_unavailable", MsgModelUnavailable)
		return
	}

	sess.ctrl = pipeline.New(s.Locator, s.Predictor, sess.source, sess.sendOverlay, pipeline.Options{
		TargetFPS: s.Config.TargetFPS,
		Tracker: tracker.Options{
			QuantizationStep: s.Config.QuantizationStep,
			RefreshInterval:  s.Config.RefreshInterval,
			InferenceTimeout: s.Config.InferenceTimeout,
		},
		Render: render.Options{
			Mirrored:  s.Config.Mirrored,
			Precision: s.Config.Precision,
		},
		Metrics: s.Metrics,
		Log:     sess.log,
	})

	s.addSession(sess)
	defer s.removeSession(sess.id)
	sess.log.Info("camera session started")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sess.ctrl.Run(ctx); err != nil {
			sess.log.WithError(err).Warn("camera session pipeline stopped")
			sess.closeWithError("camera_failed", fmt.Sprintf(MsgCameraFailed, sess.source.Err()))
		}
	}()
	go sess.keepAlive(ctx)

	sess.readLoop(s.Config.MaxUploadMB<<20, s)

	cancel()
	sess.ctrl.Stop()
	sess.source.Close()
	<-done
	sess.closeWithError("", "")
	sess.log.Info("camera session ended")
}

func (c *cameraSession) readLoop(maxFrameBytes int64, s *AppState) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("camera connection closed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.BinaryMessage:
			before := c.source.Overwritten()
			if err := c.source.PublishEncoded(data); err != nil {
				if errors.Is(err, capture.ErrClosed) {
					continue
				}
				c.log.WithError(err).Debug("dropping undecodable frame")
				c.sendError("bad_frame", MsgBadFrame)
				continue
			}
			if n := c.source.Overwritten() - before; n > 0 {
				s.Metrics.FramesOverwritten(int(n))
			}

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.WithError(err).Debug("ignoring malformed control message")
				continue
			}
			switch msg.Type {
			case "mirror":
				c.ctrl.SetMirrored(msg.Mirrored)
			case "error":
				reason := msg.Message
				if reason == "" {
					reason = "unknown capture error"
				}
				c.source.Fail(errors.New(reason))
				c.closeWithError("camera_failed", fmt.Sprintf(MsgCameraFailed, reason))
			}
		}
	}
}

func (c *cameraSession) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Debug("ping failed, closing camera session")
				c.closeWithError("", "")
				return
			}
		}
	}
}

// sendOverlay is the pipeline sink for this session.
func (c *cameraSession) sendOverlay(res pipeline.Result) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, res.Overlay, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		c.log.WithError(err).Warn("encoding overlay")
		return
	}

	faces := make([]overlayFace, len(res.Tracks))
	for i, t := range res.Tracks {
		faces[i] = overlayFace{Key: t.Key, Box: t.Box}
		if t.Prediction != nil {
			v := t.Prediction.Value
			faces[i].Value = &v
		}
	}

	c.writeJSON(overlayMessage{
		Type:     "overlay",
		Session:  c.id,
		Seq:      res.Seq,
		Width:    res.Width,
		Height:   res.Height,
		Mirrored: res.Mirrored,
		Redraw:   res.Redraw,
		Faces:    faces,
		Overlay:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func (c *cameraSession) sendError(code, message string) {
	c.writeJSON(errorMessage{Type: "error", Code: code, Message: message})
}

func (c *cameraSession) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).Warn("encoding websocket message")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.WithError(err).Debug("websocket write failed")
	}
}

// closeWithError sends a final error message, when code is set, and closes
// the connection. Only the first call has any effect.
func (c *cameraSession) closeWithError(code, message string) {
	c.closeOnce.Do(func() {
		if code != "" {
			c.sendError(code, message)
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, code),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (s *AppState) addSession(c *cameraSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]*cameraSession)
	}
	s.sessions[c.id] = c
}

func (s *AppState) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *AppState) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// closeSessions ends every open camera session, on shutdown.
func (s *AppState) closeSessions() {
	s.mu.Lock()
	sessions := make([]*cameraSession, 0, len(s.sessions))
	for _, c := range s.sessions {
		sessions = append(sessions, c)
	}
	s.mu.Unlock()

	for _, c := range sessions {
		c.closeWithError("server_shutdown", MsgShuttingDown)
	}
}
