package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/monitor"
	"github.com/skobkin/relocker-web/internal/settings"
	"github.com/skobkin/relocker-web/internal/statestore"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 5000
	maxRequestBody      = 64 << 10
)

type armRequest struct {
	Mode string `json:"mode"`
}

type autorelockRequest struct {
	Enabled *bool `json:"enabled"`
}

type channelSettingsResponse struct {
	Settings settings.Channel `json:"settings"`
	Claims   []string         `json:"claims"`
}

func (s *Server) handleAPIChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	states := make([]monitor.State, 0)
	if s.monitor != nil {
		for _, name := range s.monitor.Names() {
			ch, ok := s.monitor.Channel(name)
			if !ok {
				continue
			}
			states = append(states, ch.State())
		}
	}
	s.writeJSON(w, r, http.StatusOK, states)
}

func (s *Server) handleAPIChannelSubresource(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/channels/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	if s.monitor == nil {
		http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
		return
	}
	ch, ok := s.monitor.Channel(segments[0])
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "state":
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		s.writeJSON(w, r, http.StatusOK, ch.State())
	case "settings":
		if !allowMethods(w, r, http.MethodGet, http.MethodPut) {
			return
		}
		if r.Method == http.MethodPut {
			s.updateChannelSettings(w, r, ch)
			return
		}
		s.writeJSON(w, r, http.StatusOK, s.settingsResponse(ch.Settings()))
	case "history":
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		s.serveChannelHistory(w, r, ch.Name())
	case "arm":
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		s.armChannel(w, r, ch)
	case "disarm":
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		s.channelAction(w, r, ch, ch.Disarm(r.Context()))
	case "relock":
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		s.channelAction(w, r, ch, ch.Relock(r.Context()))
	case "integrator-reset":
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		s.channelAction(w, r, ch, ch.ResetIntegrator(r.Context()))
	case "autorelock":
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		s.setAutorelock(w, r, ch)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) armChannel(w http.ResponseWriter, r *http.Request, ch *monitor.Channel) {
	raw := r.URL.Query().Get("mode")
	if raw == "" {
		var req armRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			http.Error(w, fmt.Sprintf("invalid arm payload: %v", err), http.StatusBadRequest)
			return
		}
		raw = req.Mode
	}
	if raw == "" {
		raw = string(monitor.ArmFeedback)
	}
	mode, ok := monitor.ParseArmMode(raw)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown arm mode %q", raw), http.StatusBadRequest)
		return
	}
	s.channelAction(w, r, ch, ch.Arm(r.Context(), mode))
}

func (s *Server) setAutorelock(w http.ResponseWriter, r *http.Request, ch *monitor.Channel) {
	var enabled bool
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid enabled value %q", raw), http.StatusBadRequest)
			return
		}
		enabled = parsed
	} else {
		var req autorelockRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			http.Error(w, fmt.Sprintf("invalid autorelock payload: %v", err), http.StatusBadRequest)
			return
		}
		if req.Enabled == nil {
			http.Error(w, "enabled is required", http.StatusBadRequest)
			return
		}
		enabled = *req.Enabled
	}
	ch.SetAutorelock(enabled)
	s.writeJSON(w, r, http.StatusOK, ch.State())
}

func (s *Server) updateChannelSettings(w http.ResponseWriter, r *http.Request, ch *monitor.Channel) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Decode onto a scratch copy first so type errors never reach the channel.
	scratch := ch.Settings()
	if err := json.Unmarshal(body, &scratch); err != nil {
		http.Error(w, fmt.Sprintf("invalid settings payload: %v", err), http.StatusBadRequest)
		return
	}

	updated, err := ch.UpdateSettings(r.Context(), func(c *settings.Channel) {
		_ = json.Unmarshal(body, c)
	})
	if err != nil {
		s.writeChannelError(w, r, ch.Name(), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.settingsResponse(updated))
}

func (s *Server) serveChannelHistory(w http.ResponseWriter, r *http.Request, name string) {
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	stream := statestore.StreamLocked
	if raw := query.Get("stream"); raw != "" {
		parsed, err := statestore.ParseStream(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stream = parsed
	}

	limit := defaultHistoryLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	records, err := s.history.Recent(stream, name, limit)
	if err != nil {
		s.loggerFromContext(r.Context()).Error("history read failed", "channel", name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []statestore.Record{}
	}
	s.writeJSON(w, r, http.StatusOK, records)
}

func (s *Server) channelAction(w http.ResponseWriter, r *http.Request, ch *monitor.Channel, err error) {
	if err != nil {
		s.writeChannelError(w, r, ch.Name(), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ch.State())
}

func (s *Server) settingsResponse(cfg settings.Channel) channelSettingsResponse {
	resp := channelSettingsResponse{Settings: cfg, Claims: []string{}}
	if s.routing != nil {
		if claims := s.routing.Claims(cfg.Name); claims != nil {
			resp.Claims = claims
		}
	}
	return resp
}

func (s *Server) writeChannelError(w http.ResponseWriter, r *http.Request, name string, err error) {
	logger := s.loggerFromContext(r.Context())

	status := http.StatusInternalServerError
	var (
		conflict *settings.ConflictError
		invalid  *settings.InvalidError
		hwErr    *instrument.HardwareWriteError
	)
	switch {
	case errors.As(err, &conflict),
		errors.Is(err, monitor.ErrNotArmed),
		errors.Is(err, monitor.ErrRelockInProgress),
		errors.Is(err, monitor.ErrSweeping):
		status = http.StatusConflict
	case errors.Is(err, monitor.ErrNotRouted), errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &hwErr):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		logger.Error("channel operation failed", "channel", name, "err", err)
	} else {
		logger.Info("channel operation rejected", "channel", name, "err", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}
