// Ultimatum experiment endpoints
//
// Participants and researchers share one experiment per server. Every
// client polls /state about once a second and posts its actions; nothing is
// pushed. Identities are opaque ids chosen by the client (or issued through
// the player cookie) and trusted on first use.
//
// Routes, all relative to --prefix:
//   - POST /register                 → join the experiment
//   - GET  /state?uid=               → personal or aggregate view
//   - GET  /export_data?uid=         → full dataset, researchers only
//   - POST /admin/start_treatment    → start treatment 1 or 2
//   - POST /admin/next_round         → advance the sub-round
//   - GET  /admin/snapshots?uid=     → list archived snapshots
//   - POST /reset_server             → wipe everything (confirm required)
//   - POST /game/offer               → proposer's split
//   - POST /game/respond             → responder's decision
//   - GET  /ws?uid=                  → the same operations over one socket
//   - GET  /qr                       → PNG QR code of the join URL

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Seednode/ultimatum/storage"
	"github.com/Seednode/ultimatum/ultimatum"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	playerCookieName = "ultimatum_id"
	maxBodyBytes     = 1 << 16
	snapshotLimit    = 50
)

// snapshotArchive is the part of storage.Store the endpoints need.
type snapshotArchive interface {
	Save(ctx context.Context, reason string, doc ultimatum.Export) (int64, error)
	List(ctx context.Context, limit int) ([]storage.Snapshot, error)
}

type registerRequest struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

type registerResponse struct {
	Player ultimatum.Player `json:"player"`
}

type adminRequest struct {
	UID       string `json:"uid"`
	Treatment int    `json:"treatment,omitempty"`
	Confirm   bool   `json:"confirm,omitempty"`
}

type offerRequest struct {
	UID    string `json:"uid"`
	GameID string `json:"game_id"`
	Amount *int   `json:"amount"`
}

type respondRequest struct {
	UID      string `json:"uid"`
	GameID   string `json:"game_id"`
	Accepted *bool  `json:"accepted"`
}

// stateResponse flattens whichever view the caller is entitled to.
type stateResponse struct {
	Role ultimatum.Role `json:"role"`
	*ultimatum.PersonalView
	*ultimatum.AggregateView
	Online int `json:"online,omitempty"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// callerID picks the first non-empty of the explicit id, the uid query
// parameter, and the player cookie.
func callerID(r *http.Request, explicit string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("uid")); id != "" {
		return id
	}
	if c, err := r.Cookie(playerCookieName); err == nil {
		return c.Value
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ultimatum.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any, errs chan<- error) int {
	body, err := json.Marshal(v)
	if err != nil {
		errs <- err
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return 0
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	written, err := w.Write(append(body, '\n'))
	if err != nil {
		errs <- err
	}
	return written
}

func statusFor(err error) int {
	switch ultimatum.CategoryOf(err) {
	case ultimatum.CategoryAuthorization:
		return http.StatusForbidden
	case ultimatum.CategoryIdentity:
		if errors.Is(err, ultimatum.ErrDuplicateIdentity) {
			return http.StatusConflict
		}
		return http.StatusNotFound
	case ultimatum.CategoryProtocol:
		return http.StatusConflict
	case ultimatum.CategoryValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(cfg *Config, w http.ResponseWriter, r *http.Request, err error, errs chan<- error) {
	status := statusFor(err)
	category := ultimatum.CategoryOf(err)

	if status == http.StatusInternalServerError {
		cfg.logger.Error("GAMES: Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		logf(cfg, "GAMES: Rejected %s from %s: %v", r.URL.Path, realIP(r), err)
	}

	writeJSON(cfg, w, status, errorResponse{Error: err.Error(), Category: category.String()}, errs)
}

func ack(cfg *Config, w http.ResponseWriter, errs chan<- error) {
	writeJSON(cfg, w, http.StatusOK, map[string]string{"status": "ok"}, errs)
}

// parseRoleClaim maps the register request's role field. An absent claim
// asks for RESEARCHER so the first registrants run the session.
func parseRoleClaim(s string) (ultimatum.Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ultimatum.RoleResearcher):
		return ultimatum.RoleResearcher, nil
	case string(ultimatum.RoleParticipant):
		return ultimatum.RoleParticipant, nil
	default:
		return "", fmt.Errorf("%w: role %q", ultimatum.ErrInvalidArgument, s)
	}
}

func serveRegister(cfg *Config, exp *ultimatum.Experiment, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req registerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		claim, err := parseRoleClaim(req.Role)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		uid := req.UID
		if strings.TrimSpace(uid) == "" {
			uid = getOrSetPlayerID(w, r)
		}

		p, err := exp.Register(uid, req.Name, claim)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}
		_ = exp.Touch(p.ID, time.Now())

		logf(cfg, "GAMES: %s %q joined from %s", p.Role, p.Name, realIP(r))

		writeJSON(cfg, w, http.StatusOK, registerResponse{Player: p}, errs)
	}
}

func projectState(cfg *Config, exp *ultimatum.Experiment, uid string) (stateResponse, error) {
	_ = exp.Touch(uid, time.Now())

	proj, err := exp.ProjectFor(uid)
	if err != nil {
		return stateResponse{}, err
	}

	resp := stateResponse{
		Role:          proj.Role,
		PersonalView:  proj.Personal,
		AggregateView: proj.Aggregate,
	}
	if proj.Aggregate != nil {
		resp.Online = exp.Online(cfg.playerTimeout)
	}
	return resp, nil
}

func serveState(cfg *Config, exp *ultimatum.Experiment, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		resp, err := projectState(cfg, exp, callerID(r, ""))
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		writeJSON(cfg, w, http.StatusOK, resp, errs)
	}
}

func serveExport(cfg *Config, exp *ultimatum.Experiment, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		view, err := exp.AggregateView(callerID(r, ""))
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		if r.URL.Query().Get("download") != "" {
			name := fmt.Sprintf("experiment_data_%s.json", view.ExportedAt.UTC().Format("20060102T150405Z"))
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		}

		written := writeJSON(cfg, w, http.StatusOK, view, errs)

		logf(cfg, "SERVE: Export (%s) to %s in %s",
			humanize.Bytes(uint64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// archiveExport saves the current dataset, logging rather than failing
// the request when the archive is unavailable.
func archiveExport(ctx context.Context, cfg *Config, archive snapshotArchive, exp *ultimatum.Experiment, reason string) {
	if archive == nil {
		return
	}

	id, err := archive.Save(ctx, reason, exp.Export())
	if err != nil {
		cfg.logger.Error("GAMES: Failed to archive snapshot", zap.String("reason", reason), zap.Error(err))
		return
	}

	logf(cfg, "GAMES: Archived snapshot %d (%s)", id, reason)
}

func serveStartTreatment(cfg *Config, exp *ultimatum.Experiment, archive snapshotArchive, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req adminRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		if err := exp.StartTreatment(callerID(r, req.UID), ultimatum.Treatment(req.Treatment)); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		archiveExport(r.Context(), cfg, archive, exp, fmt.Sprintf("treatment %d started", req.Treatment))

		ack(cfg, w, errs)
	}
}

func serveNextRound(cfg *Config, exp *ultimatum.Experiment, archive snapshotArchive, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req adminRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		if err := exp.NextRound(callerID(r, req.UID)); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		if st := exp.State(); st.Status == ultimatum.StatusWaitingNext {
			archiveExport(r.Context(), cfg, archive, exp, fmt.Sprintf("treatment %d finished", st.Treatment))
		}

		ack(cfg, w, errs)
	}
}

func serveReset(cfg *Config, exp *ultimatum.Experiment, archive snapshotArchive, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req adminRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		uid := callerID(r, req.UID)

		role, err := exp.Role(uid)
		if err != nil || role != ultimatum.RoleResearcher {
			writeError(cfg, w, r, fmt.Errorf("%w: reset requires a researcher", ultimatum.ErrUnauthorized), errs)
			return
		}
		if !req.Confirm {
			writeError(cfg, w, r, fmt.Errorf("%w: reset must be confirmed", ultimatum.ErrInvalidArgument), errs)
			return
		}

		archiveExport(r.Context(), cfg, archive, exp, "before reset")

		if err := exp.Reset(uid); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		logf(cfg, "GAMES: Experiment reset by %s from %s", uid, realIP(r))

		ack(cfg, w, errs)
	}
}

func serveOffer(cfg *Config, exp *ultimatum.Experiment, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req offerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}
		if req.Amount == nil {
			writeError(cfg, w, r, fmt.Errorf("%w: amount is required", ultimatum.ErrInvalidArgument), errs)
			return
		}

		if err := exp.MakeOffer(callerID(r, req.UID), req.GameID, *req.Amount); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		ack(cfg, w, errs)
	}
}

func serveRespond(cfg *Config, exp *ultimatum.Experiment, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req respondRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}
		if req.Accepted == nil {
			writeError(cfg, w, r, fmt.Errorf("%w: accepted is required", ultimatum.ErrInvalidArgument), errs)
			return
		}

		if err := exp.Respond(callerID(r, req.UID), req.GameID, *req.Accepted); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		ack(cfg, w, errs)
	}
}

func serveSnapshots(cfg *Config, exp *ultimatum.Experiment, archive snapshotArchive, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		role, err := exp.Role(callerID(r, ""))
		if err != nil || role != ultimatum.RoleResearcher {
			writeError(cfg, w, r, fmt.Errorf("%w: snapshots require a researcher", ultimatum.ErrUnauthorized), errs)
			return
		}
		if archive == nil {
			writeJSON(cfg, w, http.StatusNotFound, errorResponse{Error: "archive is not configured", Category: "internal"}, errs)
			return
		}

		snaps, err := archive.List(r.Context(), snapshotLimit)
		if err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		writeJSON(cfg, w, http.StatusOK, snaps, errs)
	}
}

// qrHandler generates a PNG QR code pointing participants at the join page.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/"

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func registerExperiment(cfg *Config, mux *httprouter.Router, exp *ultimatum.Experiment, archive snapshotArchive, errs chan<- error) {
	mux.POST(cfg.prefix+"/register", serveRegister(cfg, exp, errs))
	mux.GET(cfg.prefix+"/state", serveState(cfg, exp, errs))
	mux.GET(cfg.prefix+"/export_data", serveExport(cfg, exp, errs))

	mux.POST(cfg.prefix+"/admin/start_treatment", serveStartTreatment(cfg, exp, archive, errs))
	mux.POST(cfg.prefix+"/admin/next_round", serveNextRound(cfg, exp, archive, errs))
	mux.GET(cfg.prefix+"/admin/snapshots", serveSnapshots(cfg, exp, archive, errs))
	mux.POST(cfg.prefix+"/reset_server", serveReset(cfg, exp, archive, errs))

	mux.POST(cfg.prefix+"/game/offer", serveOffer(cfg, exp, errs))
	mux.POST(cfg.prefix+"/game/respond", serveRespond(cfg, exp, errs))

	mux.GET(cfg.prefix+"/ws", serveSocket(cfg, exp, errs))

	mux.GET(cfg.prefix+"/qr", qrHandler(cfg))
}
