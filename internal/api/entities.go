package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/registry"
)

// errInvalidBody marks a request body that is valid JSON of the wrong shape.
var errInvalidBody = errors.New("invalid request body")

// entityNotFound is the 404 message for an unregistered entity.
func entityNotFound(id entity.TopicID) string {
	return fmt.Sprintf("Entity with topic id: %s not found", id)
}

// twinNotFound is the 404 message for an unset twin fragment.
func twinNotFound(id entity.TopicID, key string) string {
	return fmt.Sprintf("Entity twin data for entity: %s with fragment key: %s not found", id, key)
}

// handleRegisterEntity registers an entity.
// POST /v1/entities
func (s *Server) handleRegisterEntity(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	var reg entity.Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if reg.TopicID.IsZero() {
		writeError(w, http.StatusUnprocessableEntity, "missing field `@topic-id`")
		return
	}

	created, err := s.registry.Create(r.Context(), reg)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	// The registry accepts an identical registration silently, so that the
	// bus echo of its own publication is harmless. Over HTTP it is a conflict.
	if len(created) == 0 {
		s.writeStoreError(w, r, &registry.AlreadyRegisteredError{ID: reg.TopicID})
		return
	}

	s.logger.Info("entity registered", "topic_id", reg.TopicID.String())
	writeJSON(w, http.StatusCreated, map[string]string{"@topic-id": reg.TopicID.String()})
}

// handleListEntities lists entities.
// GET /v1/entities?root=&parent=&type=
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	filters, err := listFilters(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	entities, err := s.registry.List(r.Context(), filters)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

// listFilters reads the list query parameters. Empty values are ignored.
func listFilters(r *http.Request) (registry.Filters, error) {
	q := r.URL.Query()
	var f registry.Filters

	if v := q.Get("root"); v != "" {
		id, err := entity.ParseTopicID(v)
		if err != nil {
			return f, err
		}
		f.Root = &id
	}
	if v := q.Get("parent"); v != "" {
		id, err := entity.ParseTopicID(v)
		if err != nil {
			return f, err
		}
		f.Parent = &id
	}
	if v := q.Get("type"); v != "" {
		t, err := entity.ParseType(v)
		if err != nil {
			return f, err
		}
		f.Type = t
	}
	return f, f.Validate()
}

// resource resolves the wildcard part of an entity resource path.
func resource(r *http.Request) (entity.TopicID, entity.Channel, error) {
	return entity.ParsePath(chi.URLParam(r, "*"))
}

// handleGetResource serves an entity, its twin data or one twin fragment.
// GET /v1/entities/*
func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id, ch, err := resource(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	switch ch := ch.(type) {
	case entity.MetadataChannel:
		m, ok, err := s.registry.Get(r.Context(), id)
		switch {
		case err != nil:
			s.writeStoreError(w, r, err)
		case !ok:
			writeNotFound(w, entityNotFound(id))
		default:
			writeJSON(w, http.StatusOK, m)
		}

	case entity.TwinChannel:
		if ch.FragmentKey == "" {
			fragments, err := s.registry.GetTwinFragments(r.Context(), id)
			if err != nil {
				s.writeStoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, fragments)
			return
		}
		value, ok, err := s.registry.GetTwinFragment(r.Context(), id, ch.FragmentKey)
		switch {
		case err != nil:
			s.writeStoreError(w, r, err)
		case !ok:
			writeNotFound(w, twinNotFound(id, ch.FragmentKey))
		default:
			writeJSON(w, http.StatusOK, value)
		}

	default:
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	}
}

// handlePutResource replaces the twin data of an entity, or sets one twin
// fragment. A null fragment value removes it. The value is echoed back.
// PUT /v1/entities/*
func (s *Server) handlePutResource(w http.ResponseWriter, r *http.Request) {
	id, ch, err := resource(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	twin, ok := ch.(entity.TwinChannel)
	if !ok {
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	body, err := readJSON(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	if twin.FragmentKey == "" {
		var fragments map[string]json.RawMessage
		if err := json.Unmarshal(body, &fragments); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if fragments == nil {
			s.writeStoreError(w, r, fmt.Errorf("%w: twin data must be a JSON object", errInvalidBody))
			return
		}
		if err := s.registry.SetTwinFragments(r.Context(), id, fragments); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, fragments)
		return
	}

	if _, err := s.registry.SetTwinFragment(r.Context(), id, twin.FragmentKey, body); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handlePatchResource updates the parent or health endpoint of an entity.
// PATCH /v1/entities/*
func (s *Server) handlePatchResource(w http.ResponseWriter, r *http.Request) {
	id, ch, err := resource(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if _, ok := ch.(entity.MetadataChannel); !ok {
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	body, err := readJSON(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	var upd entity.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	m, err := s.registry.Update(r.Context(), id, upd)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleDeleteResource deregisters an entity with its descendants, or
// removes twin data. Deleting an unknown entity is not an error.
// DELETE /v1/entities/*
func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	id, ch, err := resource(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	switch ch := ch.(type) {
	case entity.MetadataChannel:
		deleted, err := s.registry.Delete(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if len(deleted) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.logger.Info("entity deregistered", "topic_id", id.String(), "count", len(deleted))
		writeJSON(w, http.StatusOK, deleted)

	case entity.TwinChannel:
		if ch.FragmentKey == "" {
			err = s.registry.SetTwinFragments(r.Context(), id, map[string]json.RawMessage{})
		} else {
			_, err = s.registry.SetTwinFragment(r.Context(), id, ch.FragmentKey, nil)
		}
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	}
}

// readJSON reads a request body that must hold one JSON value.
func readJSON(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: not valid JSON", errInvalidBody)
	}
	return body, nil
}
