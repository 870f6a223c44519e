package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/queue"
)

func joinQueueHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req JoinQueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		apptID, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}

		by := queue.PoolBy(req.By)
		if by == "" {
			by = queue.PoolByProvider
		}

		entry, err := svc.Join(r.Context(), apptID, by)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, entryResponse(svc, entry))
	}
}

func getQueueEntryHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_entry_id")
		if !ok {
			return
		}

		entry, err := svc.Entry(id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entryResponse(svc, entry))
	}
}

func leaveQueueHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_entry_id")
		if !ok {
			return
		}

		if _, err := svc.Leave(r.Context(), id); err != nil {
			handleError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func markReadyHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_entry_id")
		if !ok {
			return
		}

		entry, err := svc.MarkReady(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entryResponse(svc, entry))
	}
}

func getPoolHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "poolKey")
		if key == "" {
			writeError(w, http.StatusBadRequest, "invalid_pool", "pool key is required")
			return
		}

		snap := svc.Snapshot(key)
		writeJSON(w, http.StatusOK, PoolResponse{
			PoolKey: snap.PoolKey,
			Version: snap.Version,
			Mode:    modeFor(snap.Degraded),
			Entries: snap.Entries,
		})
	}
}

func entryResponse(svc *queue.Service, e queue.Entry) QueueEntryResponse {
	return QueueEntryResponse{Entry: e, Mode: modeFor(svc.Snapshot(e.PoolKey).Degraded)}
}
