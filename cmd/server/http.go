package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voxelstream.ai/internal/directory"
	"voxelstream.ai/internal/distribution"
	"voxelstream.ai/internal/ingest"
	"voxelstream.ai/internal/persistence"
	"voxelstream.ai/internal/persistence/indexdb"
	"voxelstream.ai/internal/persistence/mirror"
	"voxelstream.ai/internal/transport/ws"
)

type stateResponse struct {
	Voxels      int                        `json:"voxels"`
	Dirty       bool                       `json:"dirty"`
	Clients     []directory.ClientInfo     `json:"clients"`
	Sessions    []distribution.SessionInfo `json:"sessions"`
	Persistence persistence.Status         `json:"persistence"`
	Index       *indexdb.Stats             `json:"index,omitempty"`
	Mirror      *mirror.Stats              `json:"mirror,omitempty"`
}

type senderResponse struct {
	ID     string             `json:"id"`
	Stats  ingest.SenderStats `json:"stats"`
	Recent []indexdb.EditRow  `json:"recent_edits,omitempty"`
}

func newRouter(c *components, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rw.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(loopbackOnly)
		r.Get("/state", func(rw http.ResponseWriter, _ *http.Request) {
			resp := stateResponse{
				Voxels:      c.tree.VoxelCount(),
				Dirty:       c.tree.IsDirty(),
				Clients:     c.dir.Clients(),
				Sessions:    c.manager.Sessions(),
				Persistence: c.persistence.Status(),
			}
			if c.index != nil {
				st := c.index.Stats()
				resp.Index = &st
			}
			if c.mirror != nil {
				st := c.mirror.Stats()
				resp.Mirror = &st
			}
			writeJSON(rw, http.StatusOK, resp)
		})
		r.Get("/snapshots", func(rw http.ResponseWriter, req *http.Request) {
			if c.index == nil {
				writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "index disabled"})
				return
			}
			rows, err := c.index.RecentSnapshots(req.Context(), queryInt(req, "limit", 20))
			if err != nil {
				log.Warnw("snapshot index query failed", "err", err)
				writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, rows)
		})
		r.Post("/snapshot", func(rw http.ResponseWriter, _ *http.Request) {
			c.persistence.RequestSnapshot()
			writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true, "dirty": c.tree.IsDirty()})
		})
		r.Get("/senders/{id}", func(rw http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			st, ok := c.ingest.SenderStats(id)
			if !ok {
				writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown sender"})
				return
			}
			resp := senderResponse{ID: id, Stats: st}
			if c.index != nil {
				rows, err := c.index.EditsBySender(req.Context(), id, queryInt(req, "limit", 50))
				if err != nil {
					log.Warnw("edit index query failed", "sender", id, "err", err)
				}
				resp.Recent = rows
			}
			writeJSON(rw, http.StatusOK, resp)
		})
	})

	r.Get("/v1/ws", ws.NewServer(c.dir, c.manager, c.ingest, log.Named("ws"), c.metrics).Handler())
	return r
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
