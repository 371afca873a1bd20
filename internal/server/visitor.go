package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchwise/matchwise-server/internal/visitor"
)

// isoMillis matches the millisecond ISO-8601 form browsers produce.
const isoMillis = "2006-01-02T15:04:05.000Z"

const persistedHeader = "X-Visitor-Count-Persisted"

type visitorCountResponse struct {
	Count       int64  `json:"count"`
	LastUpdated string `json:"lastUpdated"`
}

func newVisitorCountResponse(rec visitor.Record) visitorCountResponse {
	return visitorCountResponse{
		Count:       rec.Count,
		LastUpdated: rec.LastUpdated.UTC().Format(isoMillis),
	}
}

func (s *Server) setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.config.Server.AllowedOrigin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handleVisitorCount(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		rec, err := s.counter.Read(r.Context())
		if err != nil {
			s.visitorError(w, r, "Failed to get visitor count", err)
			return
		}
		writeJSON(w, http.StatusOK, newVisitorCountResponse(rec))
	case http.MethodPost:
		if s.limiter != nil && !s.limiter.Allow(s.proxies.clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "Too many requests", "RATE_LIMITED", "")
			return
		}
		res, err := s.counter.IncrementDetailed(r.Context())
		if err != nil {
			s.visitorError(w, r, "Failed to update visitor count", err)
			return
		}
		if !res.Persisted {
			w.Header().Set(persistedHeader, "false")
		}
		writeJSON(w, http.StatusOK, newVisitorCountResponse(res.Record))
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "", "")
	}
}

func (s *Server) visitorError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := visitor.Code(err)
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID(r.Context()),
		"method":     r.Method,
		"code":       code,
	})
	if errors.Is(err, visitor.ErrDataIntegrity) {
		entry.Error(msg)
	} else {
		entry.Warn(msg)
	}
	writeError(w, http.StatusInternalServerError, msg, code, err.Error())
}

type visitorStatsResponse struct {
	visitorCountResponse
	Backend                string  `json:"backend"`
	Initialized            bool    `json:"initialized"`
	CacheFresh             bool    `json:"cacheFresh"`
	CacheAgeSeconds        float64 `json:"cacheAgeSeconds"`
	FreshnessWindowSeconds float64 `json:"freshnessWindowSeconds"`
	PendingIncrements      int64   `json:"pendingIncrements"`
	ServerTime             string  `json:"serverTime"`
}

func (s *Server) handleVisitorStats(w http.ResponseWriter, r *http.Request) {
	want := s.config.Server.AdminToken
	if want == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "", "")
		return
	}
	if !tokenMatches(adminToken(r), want) {
		s.logger.WithField("remote", s.proxies.clientIP(r)).Warn("rejected admin request")
		writeError(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED", "")
		return
	}

	st, err := s.counter.Stats(r.Context())
	if err != nil {
		s.visitorError(w, r, "Failed to get visitor stats", err)
		return
	}
	writeJSON(w, http.StatusOK, visitorStatsResponse{
		visitorCountResponse:   newVisitorCountResponse(st.Record),
		Backend:                st.Backend,
		Initialized:            st.Initialized,
		CacheFresh:             st.CacheFresh,
		CacheAgeSeconds:        st.CacheAge.Seconds(),
		FreshnessWindowSeconds: st.FreshnessWindow.Seconds(),
		PendingIncrements:      st.Pending,
		ServerTime:             time.Now().UTC().Format(isoMillis),
	})
}
