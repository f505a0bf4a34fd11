// Package gateway exposes the placement engine over HTTP: signed partner
// routes for registration, placement and activation, read endpoints for
// progression and reserves, a websocket event stream, and JWT-guarded admin
// operations.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"uptree/engine"
	"uptree/engine/progression"
	"uptree/fault"
	"uptree/gateway/auth"
	"uptree/gateway/idempotency"
	"uptree/observability/logging"
	"uptree/storage"
	"uptree/stream"
)

// Options wires the server's collaborators. Engine and Hub are required;
// everything else degrades gracefully when absent.
type Options struct {
	Engine *engine.Engine
	Hub    *stream.Hub
	// Authenticator guards the /v1 routes. Nil leaves them open, which is
	// only sensible for local development.
	Authenticator *auth.Authenticator
	// Idempotency caches mutation responses per Idempotency-Key header.
	Idempotency *idempotency.Store
	// Exporter serves POST /admin/exports/run.
	Exporter ExportRunner
	// AdminSecret enables the /admin routes when non-empty.
	AdminSecret []byte
	// RequestsPerSecond and Burst shape the per-client rate limit.
	RequestsPerSecond float64
	Burst             int
	// AllowedOrigins grants CORS access to the listed browser origins.
	AllowedOrigins []string
	// Wake nudges the outbox dispatcher after mutations enqueue messages.
	Wake   func()
	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the HTTP front of the placement engine.
type Server struct {
	engine   *engine.Engine
	store    *storage.Store
	hub      *stream.Hub
	idem     *idempotency.Store
	exporter ExportRunner
	wake     func()
	log      *slog.Logger
	now      func() time.Time
	handler  http.Handler
}

// New assembles the router and returns a ready-to-serve server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("gateway: stream hub is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 100
	}

	s := &Server{
		engine:   opts.Engine,
		store:    opts.Engine.Store(),
		hub:      opts.Hub,
		idem:     opts.Idempotency,
		exporter: opts.Exporter,
		wake:     opts.Wake,
		log:      log,
		now:      now,
	}
	if opts.Authenticator == nil {
		log.Warn("gateway running without request signing")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors(opts.AllowedOrigins))
	}
	r.Use(instrument(log))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	limiter := newThrottle(rps, burst)
	r.Route("/v1", func(r chi.Router) {
		r.Use(limiter.middleware)
		if opts.Authenticator != nil {
			r.Use(requireSignature(opts.Authenticator, log))
		}
		r.Post("/participants", s.handleRegister)
		r.With(s.replayIdempotent).Post("/placements", s.handlePlacement)
		r.With(s.replayIdempotent).Post("/activations", s.handleActivation)
		r.Get("/progression/{participant}", s.handleProgression)
		r.Get("/placements/{participant}", s.handlePlacements)
		r.Get("/reserves/{participant}", s.handleReserves)
		r.Get("/ws/events", s.handleEvents)
	})

	if len(opts.AdminSecret) > 0 {
		guard := &adminAuth{secret: opts.AdminSecret, now: now}
		r.Route("/admin", func(r chi.Router) {
			r.Use(guard.middleware)
			r.Post("/exports/run", s.handleExportRun)
			r.Post("/outbox/retry", s.handleOutboxRetry)
		})
	}

	s.handler = otelhttp.NewHandler(r, "uptree.gateway")
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) wakeDispatcher() {
	if s.wake != nil {
		s.wake()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

// replayIdempotent serves the cached response for a retried mutation that
// carries an Idempotency-Key header. Only successful outcomes are cached;
// a failed call may be retried for real.
func (s *Server) replayIdempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if s.idem == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		caller := "anonymous"
		if principal, ok := PrincipalFrom(r.Context()); ok {
			caller = principal.APIKey
		}
		scoped := idempotency.Key(caller, key)
		if cached, err := s.idem.Get(scoped, s.now()); err != nil {
			s.log.Error("idempotency lookup", "error", err)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.StatusCode)
			if _, err := w.Write(cached.Body); err != nil {
				s.log.Error("write replayed response", "error", err)
			}
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if recorder.status < http.StatusMultipleChoices {
			record := idempotency.Record{
				StatusCode: recorder.status,
				Body:       recorder.buf.Bytes(),
				StoredAt:   s.now(),
			}
			if err := s.idem.Put(scoped, record, idempotency.DefaultTTL); err != nil {
				s.log.Error("idempotency store", "error", err)
			}
		}
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fault.Validationf("body", "malformed JSON: %v", err)
	}
	return nil
}

type registerRequest struct {
	Subject  string `json:"subject"`
	Handle   string `json:"handle"`
	Referrer string `json:"referrer"`
}

type memberView struct {
	Address  string    `json:"address"`
	Subject  string    `json:"subject"`
	Handle   string    `json:"handle,omitempty"`
	Referrer string    `json:"referrer,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	member, err := s.engine.Directory().Register(r.Context(), req.Subject, req.Handle, req.Referrer)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	view := memberView{
		Address:  member.Address.String(),
		Subject:  member.Subject,
		Handle:   member.Handle,
		JoinedAt: member.JoinedAt,
	}
	if !member.Referrer.IsZero() {
		view.Referrer = member.Referrer.String()
	}
	// The subject and handle are directory PII; only the derived address is
	// safe to emit.
	s.log.Info("participant registered",
		"participant", view.Address,
		logging.MaskField("subject", member.Subject),
		logging.MaskField("handle", member.Handle),
	)
	writeJSON(w, http.StatusCreated, view)
}

type placementRequest struct {
	Participant string `json:"participant"`
	Referrer    string `json:"referrer"`
	Program     string `json:"program"`
	Slot        int    `json:"slot"`
}

type placementView struct {
	ID          string    `json:"id"`
	Participant string    `json:"participant"`
	Program     string    `json:"program"`
	Slot        int       `json:"slot"`
	Phase       string    `json:"phase"`
	Upline      string    `json:"upline,omitempty"`
	Level       int       `json:"level"`
	Position    int       `json:"position"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toPlacementView(row *storage.Placement) placementView {
	return placementView{
		ID:          row.ID.String(),
		Participant: row.Participant,
		Program:     row.Program,
		Slot:        row.Slot,
		Phase:       row.Phase,
		Upline:      row.Upline,
		Level:       row.Level,
		Position:    row.Position,
		Active:      row.Active,
		CreatedAt:   row.CreatedAt,
	}
}

func toPlacementViews(rows []*storage.Placement) []placementView {
	if len(rows) == 0 {
		return nil
	}
	views := make([]placementView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toPlacementView(row))
	}
	return views
}

type promotionView struct {
	Participant string `json:"participant"`
	Program     string `json:"program"`
	FromSlot    int    `json:"fromSlot"`
	FromPhase   string `json:"fromPhase"`
	ToSlot      int    `json:"toSlot"`
	ToPhase     string `json:"toPhase"`
}

func promotionViews(promos []*progression.Promotion) []promotionView {
	if len(promos) == 0 {
		return nil
	}
	views := make([]promotionView, 0, len(promos))
	for _, promo := range promos {
		views = append(views, promotionView{
			Participant: promo.Participant,
			Program:     promo.Program.String(),
			FromSlot:    promo.FromSlot,
			FromPhase:   string(promo.FromPhase),
			ToSlot:      promo.ToSlot,
			ToPhase:     string(promo.ToPhase),
		})
	}
	return views
}

type placementResponse struct {
	Placement  placementView   `json:"placement"`
	Created    bool            `json:"created"`
	Promotions []promotionView `json:"promotions,omitempty"`
	Capped     []placementView `json:"capped,omitempty"`
}

func (s *Server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	var req placementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.engine.ResolvePlacement(r.Context(), engine.PlacementRequest{
		Participant: req.Participant,
		Referrer:    req.Referrer,
		Program:     req.Program,
		Slot:        req.Slot,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, placementResponse{
		Placement:  toPlacementView(res.Placement),
		Created:    res.Created,
		Promotions: promotionViews(res.Promotions),
		Capped:     toPlacementViews(res.Capped),
	})
}

type activationRequest struct {
	Participant string `json:"participant"`
	Referrer    string `json:"referrer"`
	Program     string `json:"program"`
	Slot        int    `json:"slot"`
	Amount      string `json:"amount"`
	TxRef       string `json:"txRef"`
}

type activationView struct {
	Ref         string    `json:"ref"`
	Participant string    `json:"participant"`
	Program     string    `json:"program"`
	Slot        int       `json:"slot"`
	Kind        string    `json:"kind"`
	Amount      string    `json:"amount"`
	TxRef       string    `json:"txRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

type routeView struct {
	Credited   bool   `json:"credited"`
	Ancestor   string `json:"ancestor,omitempty"`
	CreditSlot int    `json:"creditSlot,omitempty"`
	Share      string `json:"share"`
	Pooled     string `json:"pooled"`
	Reason     string `json:"reason,omitempty"`
}

type upgradeView struct {
	Status      string `json:"status"`
	Participant string `json:"participant"`
	Program     string `json:"program"`
	Slot        int    `json:"slot"`
	Price       string `json:"price"`
	Balance     string `json:"balance"`
	Reason      string `json:"reason,omitempty"`
}

type activationResponse struct {
	Replayed     bool            `json:"replayed"`
	Activation   activationView  `json:"activation"`
	Placement    placementView   `json:"placement"`
	Route        *routeView      `json:"route,omitempty"`
	Promotions   []promotionView `json:"promotions,omitempty"`
	Capped       []placementView `json:"capped,omitempty"`
	AutoUpgrades []upgradeView   `json:"autoUpgrades,omitempty"`
}

func (s *Server) handleActivation(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.engine.RecordActivation(r.Context(), engine.ActivationRequest{
		Participant: req.Participant,
		Referrer:    req.Referrer,
		Program:     req.Program,
		Slot:        req.Slot,
		Amount:      amount,
		TxRef:       req.TxRef,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !res.Replayed {
		s.wakeDispatcher()
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toActivationResponse(res))
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fault.Validationf("amount", "must not be empty")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fault.Validationf("amount", "%q is not a base-10 integer", raw)
	}
	return amount, nil
}

func toActivationResponse(res *engine.ActivationResult) activationResponse {
	out := activationResponse{
		Replayed: res.Replayed,
		Activation: activationView{
			Ref:         res.Activation.Ref,
			Participant: res.Activation.Participant,
			Program:     res.Activation.Program,
			Slot:        res.Activation.Slot,
			Kind:        res.Activation.Kind,
			Amount:      res.Activation.Amount,
			TxRef:       res.Activation.TxRef,
			CreatedAt:   res.Activation.CreatedAt,
		},
		Promotions: promotionViews(res.Promotions),
		Capped:     toPlacementViews(res.Capped),
	}
	if res.Placement != nil {
		out.Placement = toPlacementView(res.Placement)
	}
	if res.Route != nil {
		out.Route = &routeView{
			Credited:   res.Route.Credited,
			Ancestor:   res.Route.Ancestor,
			CreditSlot: res.Route.CreditSlot,
			Share:      bigString(res.Route.Share),
			Pooled:     bigString(res.Route.Pooled),
			Reason:     res.Route.Reason,
		}
	}
	for _, upgrade := range res.AutoUpgrades {
		out.AutoUpgrades = append(out.AutoUpgrades, upgradeView{
			Status:      upgrade.Status,
			Participant: upgrade.Owner,
			Program:     upgrade.Program.String(),
			Slot:        upgrade.Slot,
			Price:       bigString(upgrade.Price),
			Balance:     bigString(upgrade.Balance),
			Reason:      upgrade.Reason,
		})
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type progressionView struct {
	Participant    string `json:"participant"`
	Program        string `json:"program"`
	CurrentSlot    int    `json:"currentSlot"`
	CurrentPhase   string `json:"currentPhase"`
	PhaseMembers   int    `json:"phaseMembers"`
	PhaseRequired  int    `json:"phaseRequired"`
	ReservedAmount string `json:"reservedAmount"`
	NextSlot       int    `json:"nextSlot"`
	NextSlotPrice  string `json:"nextSlotPrice,omitempty"`
	Ready          bool   `json:"ready"`
}

func (s *Server) handleProgression(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	program := r.URL.Query().Get("program")
	snapshot, err := s.engine.ProgressionStatus(r.Context(), participant, program)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	view := progressionView{
		Participant:    snapshot.Participant,
		Program:        snapshot.Program.String(),
		CurrentSlot:    snapshot.CurrentSlot,
		CurrentPhase:   string(snapshot.CurrentPhase),
		PhaseMembers:   snapshot.PhaseMembers,
		PhaseRequired:  snapshot.PhaseRequired,
		ReservedAmount: bigString(snapshot.ReservedAmount),
		NextSlot:       snapshot.NextSlot,
		Ready:          snapshot.Ready,
	}
	if snapshot.NextSlotPrice != nil {
		view.NextSlotPrice = snapshot.NextSlotPrice.String()
	}
	writeJSON(w, http.StatusOK, view)
}

type placementsResponse struct {
	Participant string          `json:"participant"`
	Placements  []placementView `json:"placements"`
}

func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	program := r.URL.Query().Get("program")
	slotRaw := r.URL.Query().Get("slot")

	if slotRaw != "" {
		slot, err := strconv.Atoi(slotRaw)
		if err != nil {
			writeError(w, s.log, fault.Validationf("slot", "%q is not an integer", slotRaw))
			return
		}
		row, err := s.engine.ActivePlacement(r.Context(), participant, program, slot)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toPlacementView(row))
		return
	}

	rows, err := s.engine.Placements(r.Context(), participant)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	views := make([]placementView, 0, len(rows))
	for i := range rows {
		if program != "" && rows[i].Program != program {
			continue
		}
		views = append(views, toPlacementView(&rows[i]))
	}
	writeJSON(w, http.StatusOK, placementsResponse{Participant: participant, Placements: views})
}

type reserveBalanceView struct {
	Program   string    `json:"program"`
	Slot      int       `json:"slot"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type reservesResponse struct {
	Participant string               `json:"participant"`
	Reserves    []reserveBalanceView `json:"reserves"`
}

type reserveEntryView struct {
	Direction string    `json:"direction"`
	Source    string    `json:"source"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

type reserveActivityResponse struct {
	Participant string             `json:"participant"`
	Program     string             `json:"program"`
	Slot        int                `json:"slot"`
	Balance     string             `json:"balance"`
	Entries     []reserveEntryView `json:"entries"`
}

func (s *Server) handleReserves(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	program := r.URL.Query().Get("program")
	slotRaw := r.URL.Query().Get("slot")

	if slotRaw != "" {
		slot, err := strconv.Atoi(slotRaw)
		if err != nil {
			writeError(w, s.log, fault.Validationf("slot", "%q is not an integer", slotRaw))
			return
		}
		limit := 0
		if limitRaw := r.URL.Query().Get("limit"); limitRaw != "" {
			limit, err = strconv.Atoi(limitRaw)
			if err != nil || limit < 0 {
				writeError(w, s.log, fault.Validationf("limit", "%q is not a positive integer", limitRaw))
				return
			}
		}
		balance, entries, err := s.engine.ReserveActivity(r.Context(), participant, program, slot, limit)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		views := make([]reserveEntryView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, reserveEntryView{
				Direction: entry.Direction,
				Source:    entry.Source,
				Amount:    entry.Amount,
				CreatedAt: entry.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, reserveActivityResponse{
			Participant: participant,
			Program:     program,
			Slot:        slot,
			Balance:     balance.String(),
			Entries:     views,
		})
		return
	}

	rows, err := s.engine.Reserves(r.Context(), participant)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	views := make([]reserveBalanceView, 0, len(rows))
	for _, row := range rows {
		if program != "" && row.Program != program {
			continue
		}
		views = append(views, reserveBalanceView{
			Program:   row.Program,
			Slot:      row.Slot,
			Balance:   row.Balance,
			UpdatedAt: row.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, reservesResponse{Participant: participant, Reserves: views})
}
