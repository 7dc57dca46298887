package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/ctfreader/internal/filequeue"
	"github.com/drblury/ctfreader/internal/reader"
	"github.com/drblury/ctfreader/internal/runtime/codec"
	"github.com/drblury/ctfreader/transport"
)

// StatusReport is the body of /api/status.
type StatusReport struct {
	Reader      reader.Status          `json:"reader"`
	Queue       filequeue.Stats        `json:"queue"`
	Transport   transport.Capabilities `json:"transport"`
	Inflight    int64                  `json:"inflight"`
	InflightMax int                    `json:"inflight_max,omitempty"`
	AckTopic    string                 `json:"ack_topic,omitempty"`
}

// Status takes a snapshot of the running service. It is safe to call while
// Start runs.
func (s *Service) Status() StatusReport {
	rep := StatusReport{Transport: s.caps}
	if s.reader != nil {
		rep.Reader = s.reader.Snapshot()
	}
	if s.queue != nil {
		rep.Queue = s.queue.Stats()
	}
	if s.inflight != nil {
		rep.Inflight = s.inflight.Inflight()
		rep.InflightMax = s.Conf.TFRateLimit
		rep.AckTopic = s.Conf.RateLimitAckTopic
	}
	return rep
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := codec.Encode(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
