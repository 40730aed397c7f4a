package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus/snapsync/internal/snapshot"
)

const maxDocumentIDLen = 128

// PutResponse is the JSON response for PUT /v1/docs/{id}.
type PutResponse struct {
	Version int64 `json:"version"`
}

// docID reads and validates the {id} path value, writing a 400 on failure.
func docID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" || len(id) > maxDocumentIDLen || strings.ContainsAny(id, "/\x00") {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid document id")
		return "", false
	}
	return id, true
}

// handleGetDocument returns the committed document.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := docID(w, r)
	if !ok {
		return
	}
	s.metrics.RecordRead()

	doc, err := s.store.GetDocument(id)
	if err != nil {
		logFor(r.Context()).Error("get document", "doc", id, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read document")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handlePutDocument commits a document if its version advances the stored
// one and broadcasts it to subscribers.
func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := docID(w, r)
	if !ok {
		return
	}
	log := logFor(r.Context()).With("doc", id)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "document too large")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "failed to read body")
		return
	}
	doc, err := snapshot.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if doc.Meta.ClientID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "meta.client_id is required")
		return
	}

	err = s.fanout.Commit(id, func() ([]byte, error) {
		return s.store.PutDocument(id, doc)
	})
	switch {
	case errors.Is(err, snapshot.ErrStaleWrite):
		s.metrics.RecordConflict()
		log.Info("write refused", "version", doc.Meta.Version, "client", doc.Meta.ClientID)
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	case errors.Is(err, snapshot.ErrMalformedDocument):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case err != nil:
		log.Error("put document", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to store document")
		return
	}

	s.metrics.RecordWrite()
	log.Debug("committed", "version", doc.Meta.Version, "client", doc.Meta.ClientID)
	writeJSON(w, http.StatusOK, PutResponse{Version: doc.Meta.Version})
}

// handleSubscribe upgrades to a websocket, sends the current document and
// then every committed document as JSON text frames.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := docID(w, r)
	if !ok {
		return
	}
	log := logFor(r.Context()).With("doc", id)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	sub := newSubscriber(conn)
	err = s.fanout.add(id, sub, func() ([]byte, error) {
		doc, err := s.store.GetDocument(id)
		if err != nil || doc == nil {
			return nil, err
		}
		return snapshot.Marshal(*doc)
	})
	if err != nil {
		log.Error("subscribe", "err", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(writeWait))
		return
	}
	defer s.fanout.remove(id, sub)
	log.Debug("subscriber connected")

	go sub.readPump()
	if err := sub.writePump(); err != nil {
		log.Debug("subscriber write failed", "err", err)
	}
	sub.close()
	log.Debug("subscriber disconnected")
}

// checkOrigin accepts non-browser clients, same-host pages, and the
// configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
