package app

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"webchat/gateway/internal/repo"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": conversations})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversation_id")
	spec, messages, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, repo.ErrConversationNotFound) {
		writeErr(w, http.StatusNotFound, "conversation_not_found", "conversation does not exist", nil)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": spec,
		"messages":     messages,
	})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversation_id")
	err := s.store.DeleteConversation(r.Context(), id)
	if errors.Is(err, repo.ErrConversationNotFound) {
		writeErr(w, http.StatusNotFound, "conversation_not_found", "conversation does not exist", nil)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
