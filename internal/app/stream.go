package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackthetoga/TradingSim/internal/replay"
	"github.com/jackthetoga/TradingSim/internal/sim"
)

const streamWriteTimeout = 10 * time.Second

// streamMsg is one websocket frame: a per-timestamp batch of replay
// events plus any fills that batch caused in the attached session,
// or a bare end-of-stream marker.
type streamMsg struct {
	Type   string     `json:"type"`
	TS     int64      `json:"ts,omitempty"`
	Events []any      `json:"events,omitempty"`
	Fills  []sim.Fill `json:"fills,omitempty"`
}

// handleStream upgrades to a websocket and replays a day from the
// requested start. With a session attached, book and trade events
// drive the execution model and resulting fills ride along in each
// frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
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

	start, ok, err := parseTS(q.Get("ts_ns"), q.Get("ts"), d.Location())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		start, _ = d.Bounds()
	}
	start, clamped := d.ResolveEffectiveTS(start)
	if clamped {
		s.log.Warn("stream start clamped", "symbol", d.Symbol, "day", d.Day, "effective", start)
	}

	speed := 1.0
	if raw := strings.TrimSpace(q.Get("speed")); raw != "" {
		speed, err = strconv.ParseFloat(raw, 64)
		if err != nil || speed <= 0 {
			http.Error(w, "speed must be a positive number", http.StatusBadRequest)
			return
		}
	}
	what := strings.TrimSpace(q.Get("what"))
	if what == "" {
		what = replay.WhatAll
	}

	var sess *sim.Session
	if id := strings.TrimSpace(q.Get("session")); id != "" {
		sess, err = s.session(id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if sess.Symbol != d.Symbol || sess.Day != d.Day || sess.TF != d.TF {
			http.Error(w, "session is bound to a different symbol, day or timeframe", http.StatusBadRequest)
			return
		}
	}

	mux, err := replay.NewMultiplexer(s.log, d, start, speed, what, s.cfg.Replay.MinPace.Duration)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()
	s.log.Info("stream started",
		"symbol", d.Symbol,
		"day", d.Day,
		"start", start,
		"speed", speed,
		"what", what,
		"has_session", sess != nil,
		"remote", r.RemoteAddr,
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// reads only detect disconnects; clients never send payloads
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	batches := make(chan replay.Batch, 64)
	runErr := make(chan error, 1)
	go func() {
		runErr <- mux.Run(ctx, batches)
		close(batches)
	}()

	for batch := range batches {
		msg := streamMsg{Type: replay.KindBatch, TS: batch.TS, Events: batch.Items}
		if sess != nil {
			msg.Fills = s.applyBatch(sess, batch)
		}
		s.metrics.streamEvents.Add(float64(len(batch.Items)))

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			cancel()
			// drain so the producer can exit
			for range batches {
			}
			break
		}
	}

	if err := <-runErr; err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		_ = conn.WriteJSON(streamMsg{Type: replay.KindEOS})
		s.log.Info("stream completed", "symbol", d.Symbol, "day", d.Day)
	} else {
		s.log.Info("stream closed", "symbol", d.Symbol, "day", d.Day, "reason", err)
	}
}

// applyBatch folds one batch into the session in event order so the
// fills a client sees match what a full replay would produce.
func (s *Server) applyBatch(sess *sim.Session, batch replay.Batch) []sim.Fill {
	var fills []sim.Fill
	for _, item := range batch.Items {
		switch ev := item.(type) {
		case replay.BookEvent:
			fills = append(fills, sess.ApplyBook(ev)...)
		case replay.TradeEvent:
			fills = append(fills, sess.ApplyTrade(ev)...)
		}
	}
	if len(fills) > 0 {
		s.metrics.fillsRecorded.Add(float64(len(fills)))
	}
	return fills
}
