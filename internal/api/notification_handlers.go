package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/notify"
)

func listNotificationsHandler(tray *notify.Tray) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipient, ok := recipientParam(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, tray.List(recipient))
	}
}

func dismissNotificationHandler(tray *notify.Tray) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipient, ok := recipientParam(w, r)
		if !ok {
			return
		}
		id, ok := uuidParam(w, r, "id", "invalid_notification_id")
		if !ok {
			return
		}

		if err := tray.Dismiss(recipient, id); err != nil {
			handleError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func actOnNotificationHandler(tray *notify.Tray, audible *notify.AudibleChannel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipient, ok := recipientParam(w, r)
		if !ok {
			return
		}
		id, ok := uuidParam(w, r, "id", "invalid_notification_id")
		if !ok {
			return
		}

		if err := tray.Act(recipient, id); err != nil {
			handleError(w, err)
			return
		}
		// acting on an alert acknowledges it
		if audible != nil {
			audible.Stop(recipient)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func stopToneHandler(audible *notify.AudibleChannel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipient, ok := recipientParam(w, r)
		if !ok {
			return
		}
		if audible != nil {
			audible.Stop(recipient)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func streamHandler(hub *notify.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipient, ok := recipientParam(w, r)
		if !ok {
			return
		}
		hub.ServeWS(w, r, recipient)
	}
}

func recipientParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientID must be a valid UUID")
		return "", false
	}
	return id.String(), true
}
