package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jackthetoga/TradingSim/internal/replay"
	"github.com/jackthetoga/TradingSim/internal/sim"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	store   *replay.Store
	catalog *replay.Catalog
	metrics *Metrics
	loc     *time.Location

	upgrader websocket.Upgrader

	sessMu   sync.Mutex
	sessions map[string]*sim.Session
	sessSeq  int64
}

func NewServer(log *slog.Logger, cfg Config, store *replay.Store, catalog *replay.Catalog, metrics *Metrics) *Server {
	loc, err := time.LoadLocation(cfg.Data.Timezone)
	if err != nil || loc == nil {
		loc = time.FixedZone("America/New_York", -5*60*60)
	}
	return &Server{
		log:     log,
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		metrics: metrics,
		loc:     loc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*sim.Session, 8),
	}
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	s.log.Info("web server listening", "addr", srv.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/catalog", s.handleCatalog)
	mux.HandleFunc("/api/metadata", s.handleMetadata)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/candles_window", s.handleCandlesWindow)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/order", s.handleOrder)
	mux.HandleFunc("/api/order/cancel", s.handleOrderCancel)
	mux.HandleFunc("/api/orders/cancel_all", s.handleOrdersCancelAll)
	mux.HandleFunc("/api/seek", s.handleSeek)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// writeErr maps domain errors onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, replay.ErrDatasetNotFound),
		errors.Is(err, sim.ErrSessionNotFound),
		errors.Is(err, sim.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sim.ErrInvalidOrder):
		status = http.StatusBadRequest
	case errors.Is(err, replay.ErrSchemaMismatch):
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().In(s.loc)
	writeJSON(w, map[string]any{
		"ok":          true,
		"timezone":    s.cfg.Data.Timezone,
		"source":      s.cfg.Data.Source,
		"time_local":  now.Format("2006-01-02 15:04:05 MST"),
		"cached_days": s.store.Len(),
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	items, err := s.catalog.Items(r.Context())
	if err != nil {
		s.log.Error("catalog scan failed", "err", err)
		s.writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"count": len(items),
		"items": items,
	})
}

// tfParam resolves the requested bar timeframe, falling back to the
// configured default.
func (s *Server) tfParam(raw string) (string, error) {
	tf := strings.TrimSpace(raw)
	if tf == "" {
		return s.cfg.Data.DefaultTF, nil
	}
	if _, err := replay.TFNanos(tf); err != nil {
		return "", err
	}
	return tf, nil
}

func (s *Server) dataset(ctx context.Context, symbol, day, tf string) (*replay.Dataset, error) {
	if symbol == "" || day == "" {
		return nil, fmt.Errorf("symbol and day are required")
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return nil, fmt.Errorf("invalid day format (expected YYYY-MM-DD)")
	}
	cached := s.store.Cached(symbol, day, tf)
	d, err := s.store.Get(ctx, symbol, day, tf)
	if err != nil {
		s.metrics.datasetLoadErrors.Inc()
		return nil, err
	}
	if !cached {
		s.metrics.datasetLoads.Inc()
	}
	return d, nil
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf, err := s.tfParam(q.Get("tf"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.dataset(r.Context(), strings.ToUpper(strings.TrimSpace(q.Get("symbol"))), strings.TrimSpace(q.Get("day")), tf)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	lo, hi := d.Bounds()
	writeJSON(w, map[string]any{
		"symbol":      d.Symbol,
		"day":         d.Day,
		"tf":          d.TF,
		"timezone":    d.TZName,
		"start_ts_ns": lo,
		"end_ts_ns":   hi,
		"start_local": time.Unix(0, lo).In(d.Location()).Format("2006-01-02 15:04:05 MST"),
		"end_local":   time.Unix(0, hi).In(d.Location()).Format("2006-01-02 15:04:05 MST"),
		"books":       len(d.BookTS),
		"trades":      len(d.TradeTS),
		"bars":        len(d.BarTS),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf, err := s.tfParam(q.Get("tf"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.dataset(r.Context(), strings.ToUpper(strings.TrimSpace(q.Get("symbol"))), strings.TrimSpace(q.Get("day")), tf)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	ts, ok, err := parseTS(q.Get("ts_ns"), q.Get("ts"), d.Location())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "ts or ts_ns is required", http.StatusBadRequest)
		return
	}

	limit := s.cfg.Replay.TradeLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	bars := s.cfg.Replay.WindowBars
	if raw := strings.TrimSpace(q.Get("bars")); raw != "" {
		bars, err = strconv.Atoi(raw)
		if err != nil || bars <= 0 {
			http.Error(w, "bars must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	snap := d.BuildSnapshot(ts, bars, limit)
	if snap.Clamped {
		s.log.Warn("snapshot ts clamped", "symbol", d.Symbol, "day", d.Day, "requested", ts, "effective", snap.TS)
	}
	writeJSON(w, snap)
}

func (s *Server) handleCandlesWindow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf, err := s.tfParam(q.Get("tf"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.dataset(r.Context(), strings.ToUpper(strings.TrimSpace(q.Get("symbol"))), strings.TrimSpace(q.Get("day")), tf)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	ts, ok, err := parseTS(q.Get("ts_ns"), q.Get("ts"), d.Location())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "ts or ts_ns is required", http.StatusBadRequest)
		return
	}

	bars := s.cfg.Replay.WindowBars
	if raw := strings.TrimSpace(q.Get("bars")); raw != "" {
		bars, err = strconv.Atoi(raw)
		if err != nil || bars <= 0 {
			http.Error(w, "bars must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	eff, clamped := d.ResolveEffectiveTS(ts)
	if clamped {
		s.log.Warn("candles ts clamped", "symbol", d.Symbol, "day", d.Day, "requested", ts, "effective", eff)
	}
	writeJSON(w, map[string]any{
		"symbol":  d.Symbol,
		"day":     d.Day,
		"tf":      d.TF,
		"ts":      eff,
		"candles": d.CandlesWindow(eff, bars),
	})
}

type sessionCreateRequest struct {
	Symbol  string `json:"symbol"`
	Day     string `json:"day"`
	TF      string `json:"tf,omitempty"`
	StartTS int64  `json:"start_ts_ns,omitempty"`
	Start   string `json:"start,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, err := s.session(r.URL.Query().Get("id"))
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, sess.State())
	case http.MethodPost:
		s.handleSessionCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Day = strings.TrimSpace(req.Day)

	tf, err := s.tfParam(req.TF)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.dataset(r.Context(), req.Symbol, req.Day, tf)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	start, ok, err := parseTS(
		strconv.FormatInt(req.StartTS, 10),
		req.Start,
		d.Location(),
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok || req.StartTS == 0 && req.Start == "" {
		start, _ = d.Bounds()
	}
	start, clamped := d.ResolveEffectiveTS(start)
	if clamped {
		s.log.Warn("session start clamped", "symbol", req.Symbol, "day", req.Day, "effective", start)
	}

	params := sim.Params{
		TakeParticipation:    s.cfg.Sim.TakeParticipation,
		PassiveParticipation: s.cfg.Sim.PassiveParticipation,
		BuyingPowerEnabled:   s.cfg.Sim.BuyingPowerEnabled,
		BuyingPower:          s.cfg.Sim.BuyingPower,
		AllowShorting:        s.cfg.Sim.AllowShortingOn(),
	}

	s.sessMu.Lock()
	s.sessSeq++
	id := fmt.Sprintf("S%d", s.sessSeq)
	sess := sim.NewSession(s.log, id, req.Symbol, req.Day, tf, start, params)
	s.sessions[id] = sess
	s.sessMu.Unlock()

	// seed the session with the as-of book so immediate orders have
	// liquidity to trade against; Seek keeps the playhead at start
	if book, ok := d.BookAtOrBefore(start); ok {
		sess.Seek(start, &book)
	}

	s.log.Info("session created", "session", id, "symbol", req.Symbol, "day", req.Day, "start", start)
	writeJSON(w, sess.State())
}

func (s *Server) session(id string) (*sim.Session, error) {
	id = strings.TrimSpace(id)
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", sim.ErrSessionNotFound, id)
	}
	return sess, nil
}

type orderSubmitRequest struct {
	Session string `json:"session"`
	sim.OrderRequest
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req orderSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.session(req.Session)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	order, fills, err := sess.Submit(req.OrderRequest, sess.Playhead())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.metrics.ordersSubmitted.Inc()
	s.metrics.fillsRecorded.Add(float64(len(fills)))

	writeJSON(w, map[string]any{
		"order": order,
		"fills": fills,
	})
}

type cancelRequest struct {
	Session string `json:"session"`
	OrderID string `json:"order_id"`
}

func (s *Server) handleOrderCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.session(req.Session)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	order, err := sess.Cancel(req.OrderID, sess.Playhead())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"order": order})
}

func (s *Server) handleOrdersCancelAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.session(req.Session)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	n := sess.CancelAll(sess.Playhead())
	writeJSON(w, map[string]any{"cancelled": n})
}

type seekRequest struct {
	Session string `json:"session"`
	TS      int64  `json:"ts_ns,omitempty"`
	TSStr   string `json:"ts,omitempty"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.session(req.Session)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	d, err := s.dataset(r.Context(), sess.Symbol, sess.Day, sess.TF)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	rawTS := ""
	if req.TS != 0 {
		rawTS = strconv.FormatInt(req.TS, 10)
	}
	ts, ok, err := parseTS(rawTS, req.TSStr, d.Location())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "ts or ts_ns is required", http.StatusBadRequest)
		return
	}

	eff, clamped := d.ResolveEffectiveTS(ts)
	if clamped {
		s.log.Warn("seek ts clamped", "session", req.Session, "requested", ts, "effective", eff)
	}

	var bookPtr *replay.BookEvent
	if book, ok := d.BookAtOrBefore(eff); ok {
		bookPtr = &book
	}
	sess.Seek(eff, bookPtr)
	s.metrics.seeks.Inc()

	writeJSON(w, sess.State())
}

// parseTS accepts either a raw nanosecond integer or a local time
// string in one of the supported layouts.
func parseTS(rawNs, raw string, loc *time.Location) (int64, bool, error) {
	rawNs = strings.TrimSpace(rawNs)
	if rawNs != "" && rawNs != "0" {
		ns, err := strconv.ParseInt(rawNs, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("ts_ns must be an integer")
		}
		return ns, true, nil
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}
	for _, layout := range layouts {
		var t time.Time
		var err error
		if layout == time.RFC3339 || layout == time.RFC3339Nano {
			t, err = time.Parse(layout, raw)
		} else {
			t, err = time.ParseInLocation(layout, raw, loc)
		}
		if err == nil {
			return t.UnixNano(), true, nil
		}
	}
	return 0, true, fmt.Errorf("unsupported ts format %q", raw)
}
