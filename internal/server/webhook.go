package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gitrelay/internal/dispatch"
	"gitrelay/internal/event"
	"gitrelay/internal/storage"
	logx "gitrelay/pkg/logx"
)

// GitLab pipeline payloads with many builds can get large.
const maxBodyBytes = 5 << 20

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	if s.cfg.Secret != "" && r.Header.Get("X-Gitlab-Token") != s.cfg.Secret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ctx := r.Context()
	hook := r.Header.Get("X-Gitlab-Event")
	deliveryID := uuid.NewString()
	log := s.log.With(logx.String("delivery", deliveryID), logx.String("hook", hook))

	ev, err := event.Normalize(hook, body, time.Now())
	if err != nil {
		var nerr *event.NormalizeError
		if errors.As(err, &nerr) {
			log.Warn("delivery rejected", logx.Err(err))
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": nerr.Reason})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ev.Kind == event.KindOther {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	project, err := s.store.GetOrCreateProject(ctx, ev.Project)
	if err != nil {
		log.Error("project lookup failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "project lookup failed"})
		return
	}

	// The audit trail is independent of dispatch outcome: record first,
	// and never let a dispatch failure undo it.
	rec := recordFor(deliveryID, ev, body)
	if err := s.store.AppendEvent(ctx, rec); err != nil {
		log.Warn("event not recorded", logx.Err(err))
	}
	if err := s.audit.Publish(ctx, rec); err != nil {
		log.Warn("audit publish failed", logx.Err(err))
	}

	if !project.Routed() {
		log.Info("project has no chat target yet", logx.String("project", project.Name))
		writeJSON(w, http.StatusOK, map[string]string{"status": "unrouted"})
		return
	}

	// Mapped actors render as clickable Telegram mentions.
	if ev.Actor.Username != "" {
		tid, mapped, err := s.store.TelegramUserID(ctx, project.ID, ev.Actor.Username)
		if err != nil {
			log.Warn("user mapping lookup failed", logx.Err(err))
		} else if mapped {
			ev.Actor.TelegramID = tid
		}
	}

	outcome, err := s.engine.Dispatch(ctx, ev, project.Target(), project.Prefs)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnsupportedKind):
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		case isGatewayError(err):
			log.Error("gateway call failed", logx.Err(err))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			log.Error("dispatch failed", logx.Err(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	log.Info("dispatched",
		logx.String("project", project.Name),
		logx.String("status", ev.Status),
		logx.String("action", string(outcome.Action)),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": string(outcome.Action)})
}

func recordFor(deliveryID string, ev event.Event, body []byte) storage.EventRecord {
	rec := storage.EventRecord{
		DeliveryID: deliveryID,
		At:         ev.At,
		Kind:       string(ev.Kind),
		Project:    ev.Project,
		Branch:     ev.Branch,
		Status:     ev.Status,
		Actor:      ev.Actor.DisplayName(),
		ActorID:    ev.Actor.ID,
		Payload:    string(body),
	}
	if ev.Pipeline != nil {
		rec.DurationSec = ev.Pipeline.DurationSec
	}
	return rec
}

func isGatewayError(err error) bool {
	var gerr *dispatch.GatewayError
	return errors.As(err, &gerr)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
