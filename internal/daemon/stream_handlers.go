package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vigil/internal/api"
	"vigil/internal/logging"
	"vigil/internal/services"
	"vigil/internal/streamproxy"
)

const mjpegBoundary = "frame"

func (s *apiServer) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartStreamRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	streamID := strings.TrimSpace(req.StreamID)
	if streamID == "" {
		streamID = streamproxy.DeriveStreamID(req.SourceURL)
	}
	info, err := s.daemon.proxy.Start(r.Context(), streamID, req.SourceURL, streamproxy.Options{
		FPS:        req.FPS,
		Resolution: req.Resolution,
		LiveCount:  req.LiveCount,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := api.StartStreamResponse{
		StreamID:         info.StreamID,
		Status:           string(info.Status),
		VideoEndpoint:    "/stream/video/" + info.StreamID,
		SnapshotEndpoint: "/stream/snapshot/" + info.StreamID,
	}
	if info.Options.LiveCount != "" {
		resp.LiveEndpoint = "/live/" + info.StreamID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStreamVideo serves the session as multipart MJPEG until the client
// disconnects or the session ends.
func (s *apiServer) handleStreamVideo(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamId")
	sub, err := s.daemon.proxy.Subscribe(r.Context(), streamID)
	if err != nil {
		if errors.Is(err, streamproxy.ErrStreamUnavailable) {
			err = services.Wrap(services.ErrNotFound, "api", "video", "stream "+streamID+" is not running", err)
		}
		s.fail(w, r, err)
		return
	}
	defer sub.Close()

	controller := http.NewResponseController(w)
	_ = controller.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	logger := s.logger.With(logging.StreamID(streamID))
	logger.Debug("video client attached")
	for {
		frame, err := sub.Next(r.Context())
		if err != nil {
			logger.Debug("video client detached", logging.String("reason", err.Error()))
			return
		}
		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame.Data)); err != nil {
			return
		}
		if _, err := w.Write(frame.Data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		if err := controller.Flush(); err != nil {
			return
		}
	}
}

func (s *apiServer) handleStreamSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, err := s.daemon.proxy.Snapshot(r.PathValue("streamId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Last-Modified", frame.Timestamp.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.Data)
}

func (s *apiServer) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.proxy.Stop(r.Context(), r.PathValue("streamId")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StoppedResponse{Stopped: true})
}

func (s *apiServer) handleStreamList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.StreamListResponse{Sessions: api.FromSessions(s.daemon.proxy.Sessions())})
}
