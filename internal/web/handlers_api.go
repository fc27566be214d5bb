package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"blelock-home/internal/coordinator"
	"blelock-home/internal/store"
)

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPITransport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Info())
}

func (s *Server) handleAPIStartScan(w http.ResponseWriter, r *http.Request) {
	s.coord.StartScan()
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "scanning",
		"duration": s.coord.Timing().ScanDuration.String(),
	})
}

func (s *Server) handleAPIStopScan(w http.ResponseWriter, r *http.Request) {
	s.coord.StopScan()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type deviceView struct {
	MAC     string    `json:"mac"`
	Name    string    `json:"name,omitempty"`
	RSSI    int8      `json:"rssi"`
	SeenAt  time.Time `json:"seen_at"`
	ScanGen uint64    `json:"scan_generation"`
	Lock    string    `json:"lock,omitempty"` // catalog name
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	snapshot := s.coord.Registry().Snapshot()
	out := make([]deviceView, 0, len(snapshot))
	for _, h := range snapshot {
		v := deviceView{
			MAC:     h.Device.MAC,
			Name:    h.Device.Name,
			RSSI:    h.Device.RSSI,
			SeenAt:  h.SeenAt,
			ScanGen: h.ScanGen,
		}
		if e, ok := s.coord.Catalog().Lookup(h.Device.MAC); ok {
			v.Lock = e.Name
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIKnownDevices(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	sightings, err := s.store.ListSightings()
	if err != nil {
		s.logger.Error("list sightings", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sightings == nil {
		sightings = []*store.Sighting{}
	}
	s.writeJSON(w, http.StatusOK, sightings)
}

func (s *Server) handleAPIListLocks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Catalog().List())
}

// unlockBody carries optional credentials. For a catalogued lock, non-empty
// fields override the catalog values.
type unlockBody struct {
	AESKey          string `json:"aes_key"`
	AuthCode        string `json:"auth_code"`
	KeyGroupID      uint32 `json:"key_group_id"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

func (b unlockBody) apply(req *coordinator.UnlockRequest) {
	if b.AESKey != "" {
		req.AESKey = b.AESKey
	}
	if b.AuthCode != "" {
		req.AuthCode = b.AuthCode
	}
	if b.KeyGroupID != 0 {
		req.KeyGroupID = b.KeyGroupID
	}
	if b.ProtocolVersion != 0 {
		req.ProtocolVersion = b.ProtocolVersion
	}
}

type unlockResponse struct {
	Session string `json:"session"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// handleAPIUnlock runs one unlock and answers once the session has settled,
// which includes the automatic close.
func (s *Server) handleAPIUnlock(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	target := r.PathValue("target")
	var body unlockBody
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := coordinator.UnlockRequest{Target: target}
	if entry, ok := s.coord.Catalog().Lookup(target); ok {
		req = entry.Request()
	}
	body.apply(&req)

	session, err := s.coord.Unlock(req)
	switch {
	case errors.Is(err, coordinator.ErrInvalidIdentifier):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, coordinator.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("unlock", "target", target, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	select {
	case <-session.Result().Done():
	case <-r.Context().Done():
		// The session keeps running; its outcome lands in history.
		s.logger.Warn("client left before unlock settled", "session", session.ID)
		return
	}

	outcome, _ := session.Result().Outcome()
	s.writeJSON(w, outcomeStatus(outcome), unlockResponse{
		Session: session.ID,
		OK:      outcome.OK,
		Code:    outcome.Code,
		Message: outcome.Message,
	})
}

func outcomeStatus(o coordinator.Outcome) int {
	if o.OK {
		return http.StatusOK
	}
	switch o.Code {
	case coordinator.CodeDeviceNotFound:
		return http.StatusNotFound
	case coordinator.CodeLockFailed, coordinator.CodeCloseFailed:
		return http.StatusConflict
	case coordinator.CodeLockError, coordinator.CodeCloseError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Sessions())
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.store.ListHistory(limit)
	if err != nil {
		s.logger.Error("list history", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*store.UnlockRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAPIGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	rec, err := s.store.GetHistory(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.logger.Error("get history", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
