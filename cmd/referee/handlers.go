package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/referee-bot/referee/automod"
	"github.com/referee-bot/referee/automod/guild"
	"github.com/referee-bot/referee/automod/signal"
	"github.com/referee-bot/referee/automod/warningstore"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"msg,omitempty"`
}

type IssueWarningRequest struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
	Issuer  string `json:"issuer"`
	// optional; defaults to the configured warning lifetime
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type WarningsResponse struct {
	SubjectID string                 `json:"subject_id"`
	Warnings  []warningstore.Warning `json:"warnings"`
	Active    int                    `json:"active"`
}

type ClearResponse struct {
	SubjectID string `json:"subject_id"`
	Cleared   int    `json:"cleared"`
}

type SubjectsResponse struct {
	Subjects []string `json:"subjects"`
}

type NotificationResponse struct {
	Handled bool           `json:"handled"`
	Signal  *signal.Signal `json:"signal,omitempty"`
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if srv.db != nil {
		if err := srv.db.Exec("SELECT 1").Error; err != nil {
			srv.logger.Error("healthcheck can't connect to database", "err", err)
			return c.JSON(500, HealthStatus{Status: "error", Version: versioninfo.Short(), Message: "can't connect to database"})
		}
	}
	return c.JSON(200, HealthStatus{Status: "ok", Version: versioninfo.Short()})
}

// maps engine and collaborator errors to an HTTP response
func (srv *Server) errorResponse(c echo.Context, err error) error {
	var se *warningstore.StorageError
	switch {
	case errors.Is(err, guild.ErrMemberNotFound), errors.Is(err, signal.ErrUnresolvedSubject):
		return c.JSON(404, GenericError{Error: "SubjectNotFound", Message: err.Error()})
	case errors.Is(err, signal.ErrMalformedSignal):
		return c.JSON(422, GenericError{Error: "MalformedSignal", Message: err.Error()})
	case errors.Is(err, automod.ErrDuplicateWarning):
		return c.JSON(409, GenericError{Error: "DuplicateWarning", Message: err.Error()})
	case errors.As(err, &se):
		srv.logger.Error("warning storage failure", "op", se.Op, "err", se.Err)
		return c.JSON(503, GenericError{Error: "StorageError", Message: err.Error()})
	default:
		return c.JSON(500, GenericError{Error: "InternalError", Message: fmt.Sprintf("%s", err)})
	}
}

// resolves the ":subject" path param, which may be an ID or a name
func (srv *Server) subjectParam(c echo.Context) (string, error) {
	ref := c.Param("subject")
	if ref == "" {
		return "", echo.NewHTTPError(400, "subject required")
	}
	m, err := srv.Engine.ResolveSubject(c.Request().Context(), ref)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

func (srv *Server) HandleNotification(c echo.Context) error {
	var n signal.Notification
	if err := c.Bind(&n); err != nil {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: fmt.Sprintf("invalid notification body: %s", err)})
	}
	sig, err := srv.Engine.ProcessNotification(c.Request().Context(), n)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, NotificationResponse{Handled: sig != nil, Signal: sig})
}

func (srv *Server) HandleIssueWarning(c echo.Context) error {
	ctx := c.Request().Context()
	var req IssueWarningRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: fmt.Sprintf("invalid warning body: %s", err)})
	}
	if req.Subject == "" || req.Issuer == "" {
		return c.JSON(400, GenericError{Error: "BadRequest", Message: "subject and issuer are required"})
	}
	if req.Reason == "" {
		req.Reason = signal.NoReason
	}

	m, err := srv.Engine.ResolveSubject(ctx, req.Subject)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	var expires time.Time
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}
	w, err := srv.Engine.RecordWarning(ctx, m.ID, req.Reason, req.Issuer, expires)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(201, w)
}

func (srv *Server) HandleClearWarnings(c echo.Context) error {
	subject, err := srv.subjectParam(c)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	n, err := srv.Engine.ClearWarnings(c.Request().Context(), subject)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, ClearResponse{SubjectID: subject, Cleared: n})
}

func (srv *Server) HandleListWarnings(c echo.Context) error {
	ctx := c.Request().Context()
	subject, err := srv.subjectParam(c)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	all, err := srv.Engine.ListWarnings(ctx, subject)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	active, err := srv.Engine.ListActiveWarnings(ctx, subject)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, WarningsResponse{SubjectID: subject, Warnings: all, Active: len(active)})
}

func (srv *Server) HandleListActiveWarnings(c echo.Context) error {
	subject, err := srv.subjectParam(c)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	active, err := srv.Engine.ListActiveWarnings(c.Request().Context(), subject)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, WarningsResponse{SubjectID: subject, Warnings: active, Active: len(active)})
}

func (srv *Server) HandleListAllActive(c echo.Context) error {
	grouped, err := srv.Engine.ListAllActive(c.Request().Context())
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, grouped)
}

func (srv *Server) HandleListAllWarnings(c echo.Context) error {
	grouped, err := srv.Engine.ListAllWarnings(c.Request().Context())
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, grouped)
}

func (srv *Server) HandleListSubjects(c echo.Context) error {
	subjects, err := srv.Engine.ListWarnedSubjects(c.Request().Context())
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, SubjectsResponse{Subjects: subjects})
}

func (srv *Server) HandleCheckMember(c echo.Context) error {
	subject, err := srv.subjectParam(c)
	if err != nil {
		return srv.errorResponse(c, err)
	}
	status, err := srv.Engine.CheckMember(c.Request().Context(), subject)
	if err != nil {
		if errors.Is(err, guild.ErrPermission) {
			return c.JSON(403, GenericError{Error: "MarkerPermission", Message: err.Error()})
		}
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, status)
}

func (srv *Server) HandleSweep(c echo.Context) error {
	stats, err := srv.Engine.Sweep(c.Request().Context())
	if err != nil {
		return srv.errorResponse(c, err)
	}
	return c.JSON(200, stats)
}
