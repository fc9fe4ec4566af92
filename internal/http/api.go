package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crosspost/internal/model"
	"crosspost/internal/platform"
	"crosspost/internal/publisher"
	"crosspost/internal/registry"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/internal/wa"
)

type API struct {
	Store     *storage.Store
	Registry  *registry.Registry
	Publisher *publisher.Publisher
	Engine    *scheduler.Engine
	Manager   *wa.Manager // nil when the WhatsApp channel is disabled
	Router    *chi.Mux
}

func NewRouter(store *storage.Store, reg *registry.Registry, pub *publisher.Publisher, engine *scheduler.Engine, manager *wa.Manager) *chi.Mux {
	api := &API{
		Store:     store,
		Registry:  reg,
		Publisher: pub,
		Engine:    engine,
		Manager:   manager,
		Router:    chi.NewRouter(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	a.Router.Get("/api/accounts", a.handleListAccounts)
	a.Router.Post("/api/accounts", a.handleCreateAccount)
	a.Router.Put("/api/accounts/{id}", a.handleUpdateAccount)
	a.Router.Post("/api/accounts/{id}/deactivate", a.handleDeactivateAccount)

	// WhatsApp pairing & session endpoints
	a.Router.Get("/api/accounts/{id}/pair/qr", a.handleAccountPairQR)
	a.Router.Post("/api/accounts/{id}/pair/number", a.handleAccountPairByNumber)
	a.Router.Post("/api/accounts/{id}/connect", a.handleAccountConnect)
	a.Router.Post("/api/accounts/{id}/logout", a.handleAccountLogout)

	// Immediate multi-account publishing
	a.Router.Post("/api/publish", a.handlePublish)
	a.Router.Post("/api/publish/validate", a.handleValidateContent)

	// Scheduled posts
	a.Router.Post("/api/posts", a.handleCreatePost)
	a.Router.Get("/api/posts", a.handleListPosts)
	a.Router.Get("/api/posts/{id}", a.handleGetPost)
	a.Router.Post("/api/posts/{id}/retry", a.handleRetryPost)
	a.Router.Post("/api/posts/{id}/cancel", a.handleCancelPost)
	a.Router.Put("/api/posts/{id}/engagement", a.handleRecordEngagement)

	// Distribution rules
	a.Router.Get("/api/clients/{id}/distribution-rule", a.handleGetRule)
	a.Router.Put("/api/clients/{id}/distribution-rule", a.handlePutRule)

	a.Router.Get("/api/stats", a.handleStats)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerID returns the acting user, threaded explicitly from the edge; no
// ambient session lookup happens deeper in the call paths.
func callerID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

type createAccountReq struct {
	Platform    model.Platform `json:"platform"`
	ExternalID  string         `json:"external_id"`
	AccountName string         `json:"account_name"`
	AccessToken string         `json:"access_token"`
	RefreshTok  string         `json:"refresh_token"`
	TokenExpiry *time.Time     `json:"token_expiry"`
	TeamRole    string         `json:"team_role"`
	ClientID    string         `json:"client_id"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeErr(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.Platform.Valid() {
		writeErr(w, http.StatusBadRequest, "unknown platform")
		return
	}
	acct := model.SocialAccount{
		Platform:     req.Platform,
		ExternalID:   req.ExternalID,
		AccountName:  req.AccountName,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshTok,
		TokenExpiry:  req.TokenExpiry,
		Active:       true,
		UserID:       caller,
		TeamRole:     req.TeamRole,
		ClientID:     req.ClientID,
	}
	id, err := a.Store.CreateAccount(acct)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := a.Store.GetAccount(id)
	if err == nil {
		a.Registry.Put(created)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type updateAccountReq struct {
	AccountName string `json:"account_name"`
	TeamRole    string `json:"team_role"`
	ClientID    string `json:"client_id"`
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Store.UpdateAccountMeta(id, req.AccountName, req.TeamRole, req.ClientID); err != nil {
		writeStoreErr(w, err)
		return
	}
	updated, err := a.Store.GetAccount(id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	a.Registry.Put(updated)
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeactivateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Store.SetAccountActive(id, false); err != nil {
		writeStoreErr(w, err)
		return
	}
	if acct, err := a.Store.GetAccount(id); err == nil {
		a.Registry.Put(acct)
	}
	if a.Manager != nil {
		_ = a.Manager.Logout(r.Context(), id)
		a.Manager.DropAccount(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": 1})
}

func (a *API) handleAccountPairQR(w http.ResponseWriter, r *http.Request) {
	if a.Manager == nil {
		writeErr(w, http.StatusNotImplemented, "whatsapp channel disabled")
		return
	}
	id := chi.URLParam(r, "id")
	png, code, err := a.Manager.StartPairing(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.URL.Query().Get("format") == "png" {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code})
}

type pairNumberReq struct {
	Msisdn string `json:"msisdn"`
}

func (a *API) handleAccountPairByNumber(w http.ResponseWriter, r *http.Request) {
	if a.Manager == nil {
		writeErr(w, http.StatusNotImplemented, "whatsapp channel disabled")
		return
	}
	id := chi.URLParam(r, "id")
	var req pairNumberReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	code, err := a.Manager.RequestPairingCode(r.Context(), id, req.Msisdn)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairing_code": code})
}

func (a *API) handleAccountConnect(w http.ResponseWriter, r *http.Request) {
	if a.Manager == nil {
		writeErr(w, http.StatusNotImplemented, "whatsapp channel disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.Manager.ConnectIfPaired(id); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true})
}

func (a *API) handleAccountLogout(w http.ResponseWriter, r *http.Request) {
	if a.Manager == nil {
		writeErr(w, http.StatusNotImplemented, "whatsapp channel disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.Manager.Logout(r.Context(), id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

type publishReq struct {
	Request    model.PublishRequest `json:"request"`
	AccountIDs []string             `json:"account_ids"`
}

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeErr(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.AccountIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "account_ids required")
		return
	}
	batch, err := a.Publisher.PublishToMany(r.Context(), caller, req.Request, req.AccountIDs)
	if err != nil {
		if errors.Is(err, publisher.ErrNoEligibleAccounts) {
			writeErr(w, http.StatusForbidden, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type validateReq struct {
	Platform  model.Platform `json:"platform"`
	Text      string         `json:"text"`
	MediaURLs []string       `json:"media_urls"`
}

func (a *API) handleValidateContent(w http.ResponseWriter, r *http.Request) {
	var req validateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	writeJSON(w, http.StatusOK, platform.ValidateContent(req.Platform, req.Text, req.MediaURLs))
}

type createPostReq struct {
	ClientID     string            `json:"client_id"`
	Title        string            `json:"title"`
	Content      model.PostContent `json:"content"`
	Platform     model.Platform    `json:"platform"`
	AccountID    string            `json:"account_id"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	PillarID     string            `json:"pillar_id"`
}

type createPostResp struct {
	Post         model.ScheduledPost      `json:"post"`
	Distribution model.DistributionReport `json:"distribution"`
}

func (a *API) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeErr(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}
	var req createPostReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ClientID == "" {
		writeErr(w, http.StatusBadRequest, "client_id required")
		return
	}
	if !req.Platform.Valid() {
		writeErr(w, http.StatusBadRequest, "unknown platform")
		return
	}
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = time.Now()
	}
	post := model.ScheduledPost{
		ClientID:     req.ClientID,
		CreatedBy:    caller,
		Title:        req.Title,
		Content:      req.Content,
		Platform:     req.Platform,
		AccountID:    req.AccountID,
		ScheduledFor: req.ScheduledFor,
		PillarID:     req.PillarID,
	}
	created, report, err := a.Engine.CreateScheduledPost(r.Context(), post)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrContentInvalid):
			writeErr(w, http.StatusUnprocessableEntity, err.Error())
			return
		case errors.Is(err, scheduler.ErrDistribution):
			writeErr(w, http.StatusConflict, err.Error())
			return
		}
		// An immediate publish that failed still produced a persisted, failed
		// post the caller can inspect and retry.
		if created.ID != "" {
			writeJSON(w, http.StatusCreated, createPostResp{Post: created, Distribution: report})
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createPostResp{Post: created, Distribution: report})
}

func (a *API) handleListPosts(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeErr(w, http.StatusBadRequest, "client_id required")
		return
	}
	status := r.URL.Query().Get("status")
	list, err := a.Store.ListScheduledPosts(clientID, status)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := a.Store.GetScheduledPost(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (a *API) handleRetryPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	post, err := a.Engine.RetryFailedPost(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTransition) {
			writeStoreErr(w, err)
			return
		}
		// The retry attempt itself failed; the post is back in failed state
		// with a fresh reason.
		writeJSON(w, http.StatusOK, post)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (a *API) handleCancelPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Engine.CancelScheduledPost(id); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": 1})
}

func (a *API) handleRecordEngagement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var blob json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&blob); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Store.RecordEngagement(id, string(blob)); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": 1})
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	rule, ok, err := a.Store.GetDistributionRule(clientID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "no distribution rule for client")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handlePutRule(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	var rule model.DistributionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rule.ClientID = clientID
	if err := a.Store.UpsertDistributionRule(rule); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	total, success, failed, err := a.Store.StatsToday()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"today": map[string]int64{
			"total":   total,
			"success": success,
			"failed":  failed,
		},
	})
}

func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
