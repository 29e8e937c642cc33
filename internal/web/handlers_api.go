package web

import (
	"encoding/json"
	"net/http"
	"unicode/utf8"

	"halo-bridge/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.hub.Store().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	kind := r.URL.Query().Get("kind")
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		if kind != "" && string(dev.Kind) != kind {
			continue
		}
		views = append(views, s.enrichDevice(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deviceFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.enrichDevice(dev))
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deviceFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if utf8.RuneCountInString(req.FriendlyName) > 64 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "friendly_name limited to 64 characters"})
		return
	}

	updated, err := s.hub.Devices().Rename(dev.Key(), req.FriendlyName)
	if err != nil {
		s.logger.Error("rename device", "err", err, "key", dev.Key())
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, s.enrichDevice(updated))
}

type setStateRequest struct {
	On              *bool `json:"on"`
	Brightness      *int  `json:"brightness"`
	ColorTempKelvin *int  `json:"color_temp_kelvin"`
}

func (s *Server) handleAPISetState(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deviceFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	var req setStateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.On == nil && req.Brightness == nil && req.ColorTempKelvin == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no state fields given"})
		return
	}
	if req.Brightness != nil && (*req.Brightness < 0 || *req.Brightness > 255) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "brightness must be 0-255"})
		return
	}
	if req.ColorTempKelvin != nil && (*req.ColorTempKelvin < 1500 || *req.ColorTempKelvin > 9000) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "color_temp_kelvin must be 1500-9000"})
		return
	}

	ctx := r.Context()
	key := dev.Key()

	// Dim and white go out before power, so a light switched on in the
	// same request wakes up already at the requested level.
	if req.Brightness != nil {
		if err := s.hub.SetBrightness(ctx, key, uint8(*req.Brightness)); err != nil {
			s.logger.Error("set brightness", "err", err, "key", key)
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "cloud write failed"})
			return
		}
	}
	if req.ColorTempKelvin != nil {
		if err := s.hub.SetColorTemp(ctx, key, *req.ColorTempKelvin); err != nil {
			s.logger.Error("set color temp", "err", err, "key", key)
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "cloud write failed"})
			return
		}
	}
	if req.On != nil {
		var err error
		switch {
		case dev.Kind == store.KindScene && *req.On:
			err = s.hub.ActivateScene(ctx, key)
		case dev.Kind == store.KindScene:
			err = s.hub.DeactivateScene(ctx, key)
		case *req.On:
			err = s.hub.TurnOn(ctx, key)
		default:
			err = s.hub.TurnOff(ctx, key)
		}
		if err != nil {
			s.logger.Error("set power", "err", err, "key", key)
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "cloud write failed"})
			return
		}
	}

	updated, err := s.hub.Store().GetDevice(key)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.enrichDevice(updated))
}

func (s *Server) handleAPIRefreshDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deviceFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	if err := s.hub.Devices().Refresh(r.Context(), dev.Key()); err != nil {
		s.logger.Error("refresh device", "err", err, "key", dev.Key())
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "cloud read failed"})
		return
	}

	updated, err := s.hub.Store().GetDevice(dev.Key())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.enrichDevice(updated))
}

func (s *Server) handleAPIListLocations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Devices().Locations())
}

func (s *Server) handleAPIAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.AccountInfo())
}

func (s *Server) handleAPIListProducts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Catalog().All())
}

func (s *Server) handleAPISync(w http.ResponseWriter, r *http.Request) {
	s.hub.Poller().RequestSync()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
