package api

import (
	"net/http"
	"time"

	"parley/internal/auth"
	"parley/internal/models"
	"parley/internal/presence"
)

type statusResponse struct {
	Success bool                  `json:"success"`
	Status  models.PresenceRecord `json:"status"`
}

type publicStatusResponse struct {
	Success bool                `json:"success"`
	Status  models.PublicStatus `json:"status"`
}

type oofResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Status  models.PresenceRecord `json:"status"`
}

type bulkStatusResponse struct {
	Success  bool                  `json:"success"`
	Statuses []models.PublicStatus `json:"statuses"`
}

type onlineResponse struct {
	Success bool                  `json:"success"`
	Count   int                   `json:"count"`
	Users   []models.PublicStatus `json:"users"`
}

type statisticsResponse struct {
	Success    bool                `json:"success"`
	Timeframe  string              `json:"timeframe"`
	Statistics presence.Statistics `json:"statistics"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type UpdateStatusRequest struct {
	Status        *models.Status `json:"status"`
	StatusMessage *string        `json:"status_message" validate:"omitnil,max=1000"`
}

type OutOfOfficeRequest struct {
	Enabled         *bool      `json:"enabled" validate:"required"`
	StartTime       *time.Time `json:"startTime"`
	EndTime         *time.Time `json:"endTime"`
	InternalMessage string     `json:"internalMessage" validate:"max=2000"`
	ExternalMessage string     `json:"externalMessage" validate:"max=2000"`
}

type BulkStatusRequest struct {
	UserIDs []int64 `json:"userIds" validate:"required,min=1,max=100,dive,gt=0"`
}

func caller(r *http.Request) int64 {
	id, _ := auth.FromContext(r.Context())
	return id.UserID
}

func (a *API) GetMyStatusHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := a.presence.GetStatus(r.Context(), caller(r))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: rec})
}

func (a *API) UpdateMyStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	rec, err := a.presence.SetStatus(r.Context(), caller(r), presence.StatusUpdate{
		Status:  req.Status,
		Message: req.StatusMessage,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: rec})
}

func (a *API) SetOutOfOfficeHandler(w http.ResponseWriter, r *http.Request) {
	var req OutOfOfficeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	rec, err := a.presence.SetOutOfOffice(r.Context(), caller(r), presence.OutOfOffice{
		Enabled:         *req.Enabled,
		Start:           req.StartTime,
		End:             req.EndTime,
		InternalMessage: req.InternalMessage,
		ExternalMessage: req.ExternalMessage,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	msg := "Out of office disabled"
	if rec.OOFEnabled {
		msg = "Out of office enabled"
	}
	writeJSON(w, http.StatusOK, oofResponse{Success: true, Message: msg, Status: rec})
}

// GetUserStatusHandler returns the public view only; OOF message bodies stay private.
func (a *API) GetUserStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	rec, err := a.presence.GetStatus(r.Context(), userID)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, publicStatusResponse{Success: true, Status: rec.Public()})
}

func (a *API) BulkStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req BulkStatusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}
	statuses, err := a.presence.BulkStatus(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkStatusResponse{Success: true, Statuses: statuses})
}

func (a *API) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	users := a.presence.OnlineUsers(r.Context())
	writeJSON(w, http.StatusOK, onlineResponse{Success: true, Count: len(users), Users: users})
}

// StatisticsHandler must sit behind RequireAdmin.
func (a *API) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	tf, _, err := presence.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	stats, err := a.presence.Statistics(r.Context(), tf)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, statisticsResponse{Success: true, Timeframe: tf, Statistics: stats})
}

// HeartbeatHandler is on the idle-client path; failures are logged at debug only.
func (a *API) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.presence.Heartbeat(r.Context(), caller(r)); err != nil {
		a.log.Debug("heartbeat failed", "user_id", caller(r), "error", err)
		writeFailure(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
