// Package devserver is an in-process collaboration server for tests and
// local development: a chi REST API over a SQLite element row store, a
// WebSocket change feed per canvas, and a WebSocket presence echo hub.
//
// It implements the wire contract the backend.HTTPClient and the feed and
// presence WebSocket transports expect, so the whole engine can be exercised
// end-to-end without the production service.
package devserver

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/slateboard/slate/element"
	"github.com/slateboard/slate/feed"
	"github.com/slateboard/slate/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS canvases (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS canvas_elements (
    canvas_id  TEXT NOT NULL,
    id         TEXT NOT NULL,
    element    TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (canvas_id, id)
);
`

// Server serves the canvas REST API and the per-canvas WebSocket hubs.
type Server struct {
	db     *sql.DB
	logger *slog.Logger
	router chi.Router

	upgrader websocket.Upgrader
	feedHub  *wsHub
	presHub  *wsHub

	canvasIDs  idgen.Generator
	elementIDs idgen.Generator
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets a custom logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithIDGenerators overrides the canvas and element id generators
// (deterministic ids in tests).
func WithIDGenerators(canvas, element idgen.Generator) ServerOption {
	return func(s *Server) {
		s.canvasIDs = canvas
		s.elementIDs = element
	}
}

// New creates a Server over db. The row-store tables are created if missing.
func New(db *sql.DB, opts ...ServerOption) (*Server, error) {
	s := &Server{
		db:         db,
		logger:     slog.Default(),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		feedHub:    newWSHub(),
		presHub:    newWSHub(),
		canvasIDs:  idgen.UUIDv7(),
		elementIDs: idgen.Element,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("devserver: create schema: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/canvases", func(r chi.Router) {
		r.Post("/", s.createCanvas)
		r.Route("/{canvasID}", func(r chi.Router) {
			r.Get("/feed", s.serveFeed)
			r.Get("/presence", s.servePresence)
			r.Route("/elements", func(r chi.Router) {
				r.Get("/", s.listElements)
				r.Put("/{elementID}", s.putElement)
				r.Get("/{elementID}", s.getElement)
				r.Delete("/{elementID}", s.deleteElement)
			})
		})
	})
	s.router = r
	return s, nil
}

// Handler returns the HTTP handler, for httptest and cmd/slated.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) createCanvas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	id := s.canvasIDs()
	_, err := s.db.ExecContext(r.Context(),
		`INSERT INTO canvases (id, title, created_at) VALUES (?, ?, ?)`,
		id, req.Title, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.logger.Error("devserver: create canvas failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	s.logger.Info("devserver: canvas created", "canvas", id, "title", req.Title)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "title": req.Title})
}

// putElement upserts the element row. Temporary ids get an authoritative id
// assigned here; the response carries the stored element and the change is
// broadcast to all feed subscribers of the canvas.
func (s *Server) putElement(w http.ResponseWriter, r *http.Request) {
	canvasID := chi.URLParam(r, "canvasID")
	pathID := chi.URLParam(r, "elementID")

	var el element.Element
	if err := json.NewDecoder(r.Body).Decode(&el); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !el.Kind.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "unknown element kind")
		return
	}
	el.CanvasID = canvasID
	if idgen.IsTemp(pathID) {
		el.ID = s.elementIDs()
	} else {
		el.ID = pathID
	}

	var existing int
	s.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM canvas_elements WHERE canvas_id = ? AND id = ?`,
		canvasID, el.ID).Scan(&existing)

	payload, err := json.Marshal(el)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode failure")
		return
	}
	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO canvas_elements (canvas_id, id, element, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(canvas_id, id) DO UPDATE SET
			element = excluded.element,
			updated_at = excluded.updated_at`,
		canvasID, el.ID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.logger.Error("devserver: upsert failed", "element", el.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	evType := feed.Added
	if existing > 0 {
		evType = feed.Updated
	}
	s.feedHub.broadcast(canvasID, feed.Event{Type: evType, CanvasID: canvasID, Element: el})
	writeJSON(w, http.StatusOK, el)
}

func (s *Server) getElement(w http.ResponseWriter, r *http.Request) {
	canvasID := chi.URLParam(r, "canvasID")
	id := chi.URLParam(r, "elementID")

	var payload string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT element FROM canvas_elements WHERE canvas_id = ? AND id = ?`,
		canvasID, id).Scan(&payload)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "element not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(payload))
}

func (s *Server) listElements(w http.ResponseWriter, r *http.Request) {
	canvasID := chi.URLParam(r, "canvasID")

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT element FROM canvas_elements WHERE canvas_id = ? ORDER BY id`, canvasID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	defer rows.Close()

	elements := make([]element.Element, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		var el element.Element
		if err := json.Unmarshal([]byte(payload), &el); err != nil {
			writeError(w, http.StatusInternalServerError, "decode failure")
			return
		}
		elements = append(elements, el)
	}
	writeJSON(w, http.StatusOK, elements)
}

func (s *Server) deleteElement(w http.ResponseWriter, r *http.Request) {
	canvasID := chi.URLParam(r, "canvasID")
	id := chi.URLParam(r, "elementID")

	res, err := s.db.ExecContext(r.Context(),
		`DELETE FROM canvas_elements WHERE canvas_id = ? AND id = ?`, canvasID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		writeError(w, http.StatusNotFound, "element not found")
		return
	}

	s.feedHub.broadcast(canvasID, feed.Event{
		Type:     feed.Deleted,
		CanvasID: canvasID,
		Element:  element.Element{ID: id, CanvasID: canvasID},
	})
	w.WriteHeader(http.StatusNoContent)
}

// serveFeed upgrades the connection and streams change events for the canvas
// until the client disconnects.
func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request) {
	canvasID := chi.URLParam(r, "canvasID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.feedHub.add(canvasID, conn)
	s.logger.Debug("devserver: feed subscriber connected", "canvas", canvasID)

	// Reads only service control frames and detect disconnect.
	go func() {
		defer s.feedHub.remove(canvasID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// servePresence upgrades the connection and echoes every received position
// to all presence connections of the canvas, sender included — clients
// filter their own user id.
func (s *Server) servePresence(w http.ResponseWriter, r *http.Request) {
	canvasID := chi.URLParam(r, "canvasID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.presHub.add(canvasID, conn)

	go func() {
		defer s.presHub.remove(canvasID, conn)
		for {
			var msg json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.presHub.broadcastRaw(canvasID, msg)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
