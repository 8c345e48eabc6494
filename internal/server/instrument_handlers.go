package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"candlekeeper/internal/catalog"
)

type instrumentDTO struct {
	Exchange        string `json:"exchange"`
	Symbol          string `json:"symbol"`
	Kind            string `json:"kind"`
	ProxyExchange   string `json:"proxy_exchange,omitempty"`
	ProxySymbol     string `json:"proxy_symbol,omitempty"`
	VendorTicker    string `json:"vendor_ticker,omitempty"`
	SessionOpenMin  int    `json:"session_open_min"`
	SessionCloseMin int    `json:"session_close_min"`
	SessionDays     string `json:"session_days"`
	Enabled         bool   `json:"enabled"`
}

func toDTO(e catalog.Entry) instrumentDTO {
	return instrumentDTO{
		Exchange:        e.Exchange,
		Symbol:          e.Symbol,
		Kind:            string(e.Kind),
		ProxyExchange:   e.ProxyExchange,
		ProxySymbol:     e.ProxySymbol,
		VendorTicker:    e.VendorTicker,
		SessionOpenMin:  e.SessionOpenMin,
		SessionCloseMin: e.SessionCloseMin,
		SessionDays:     e.SessionDays,
		Enabled:         e.Enabled,
	}
}

func (d instrumentDTO) toEntry() catalog.Entry {
	return catalog.Entry{
		Exchange:        d.Exchange,
		Symbol:          d.Symbol,
		Kind:            catalog.Kind(d.Kind),
		ProxyExchange:   d.ProxyExchange,
		ProxySymbol:     d.ProxySymbol,
		VendorTicker:    d.VendorTicker,
		SessionOpenMin:  d.SessionOpenMin,
		SessionCloseMin: d.SessionCloseMin,
		SessionDays:     d.SessionDays,
		Enabled:         d.Enabled,
	}
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	entries, err := s.catalog.List(enabledOnly)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list instruments")
		s.respondError(w, http.StatusInternalServerError, "failed to list instruments")
		return
	}

	out := make([]instrumentDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDTO(e))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"instruments": out})
}

func (s *Server) handleUpsertInstrument(w http.ResponseWriter, r *http.Request) {
	var dto instrumentDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if dto.Exchange == "" || dto.Symbol == "" {
		s.respondError(w, http.StatusBadRequest, "exchange and symbol are required")
		return
	}

	if err := s.catalog.Upsert(dto.toEntry()); err != nil {
		s.log.Error().Err(err).Msg("Failed to upsert instrument")
		s.respondError(w, http.StatusInternalServerError, "failed to upsert instrument")
		return
	}

	entry, err := s.catalog.Get(dto.Exchange, dto.Symbol)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read instrument back")
		return
	}
	s.respondJSON(w, http.StatusCreated, toDTO(*entry))
}

func (s *Server) handleSetInstrumentEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exchange, symbol := chi.URLParam(r, "exchange"), chi.URLParam(r, "symbol")
		err := s.catalog.SetEnabled(exchange, symbol, enabled)
		if errors.Is(err, catalog.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "instrument not found")
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to change instrument state")
			s.respondError(w, http.StatusInternalServerError, "failed to change instrument state")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"exchange": exchange,
			"symbol":   symbol,
			"enabled":  enabled,
		})
	}
}

func (s *Server) handleDeleteInstrument(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := chi.URLParam(r, "exchange"), chi.URLParam(r, "symbol")
	err := s.catalog.Delete(exchange, symbol)
	if errors.Is(err, catalog.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "instrument not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to delete instrument")
		s.respondError(w, http.StatusInternalServerError, "failed to delete instrument")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
