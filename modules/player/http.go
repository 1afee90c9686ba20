package player

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/zachfi/wavecatch/pkg/media"
)

type playbackRequest struct {
	State string `json:"state"`
}

type volumeRequest struct {
	Level *float64 `json:"level"`
}

// RegisterHandlers exposes the control API on r.
func (p *Player) RegisterHandlers(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", p.handleSession).Methods(http.MethodPost)
	api.HandleFunc("/playback", p.handlePlayback).Methods(http.MethodPost)
	api.HandleFunc("/volume", p.handleVolume).Methods(http.MethodPost)
	api.HandleFunc("/status", p.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/segments", p.handleSegments).Methods(http.MethodGet)
	api.HandleFunc("/segments/{id}", p.handleSegment).Methods(http.MethodGet)
}

func (p *Player) handleSession(w http.ResponseWriter, r *http.Request) {
	var st Station
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, "invalid station: "+err.Error(), http.StatusBadRequest)
		return
	}
	p.reply(w, p.OpenSession(st))
}

func (p *Player) handlePlayback(w http.ResponseWriter, r *http.Request) {
	var req playbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	var k media.StateKind
	switch req.State {
	case media.Playing.String():
		k = media.Playing
	case media.Stopped.String():
		k = media.Stopped
	default:
		http.Error(w, "state must be playing or stopped", http.StatusBadRequest)
		return
	}
	p.reply(w, p.SetPlaybackState(k))
}

func (p *Player) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Level == nil {
		http.Error(w, "level is required", http.StatusBadRequest)
		return
	}
	p.reply(w, p.SetVolume(*req.Level))
}

func (p *Player) handleStatus(w http.ResponseWriter, _ *http.Request) {
	p.writeJSON(w, p.Status())
}

func (p *Player) handleSegments(w http.ResponseWriter, _ *http.Request) {
	p.writeJSON(w, p.Segments())
}

func (p *Player) handleSegment(w http.ResponseWriter, r *http.Request) {
	seg, ok := p.Segment(mux.Vars(r)["id"])
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(seg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		p.logger.Error("error opening segment", "err", err, "path", seg.Path)
		http.Error(w, "failed to open segment", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "failed to stat segment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/ogg")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(seg.Path)+`"`)
	http.ServeContent(w, r, filepath.Base(seg.Path), info.ModTime(), f)
}

func (p *Player) reply(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ErrNotRunning):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (p *Player) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.logger.Error("error writing response", "err", err)
	}
}
