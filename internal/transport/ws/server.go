// Package ws carries binary protocol packets over WebSocket, one packet per
// message.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voxelstream.ai/internal/directory"
	"voxelstream.ai/internal/ingest"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/protocol"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	pingEvery    = readTimeout / 2
)

type QueryHandler interface {
	HandleQuery(id string, q protocol.Query)
}

type Ingester interface {
	Enqueue(ctx context.Context, pkt ingest.Packet) error
}

type Server struct {
	dir     *directory.Directory
	queries QueryHandler
	ingest  Ingester
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
}

func NewServer(dir *directory.Directory, queries QueryHandler, in Ingester, log *zap.SugaredLogger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		dir:     dir,
		queries: queries,
		ingest:  in,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.log.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer conn.Close()

		client := s.dir.Add(r.RemoteAddr)
		defer s.dir.Remove(client.ID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.writeLoop(ctx, conn, client)
			// Unblock the reader when the writer gives up.
			_ = conn.Close()
		}()

		s.readLoop(ctx, conn, client.ID)
		cancel()
		<-done
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *directory.Client) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case b := <-c.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				s.log.Debugw("write failed", "client", c.ID, "err", err)
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, id string) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("read failed", "client", id, "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			s.metrics.MalformedPacket()
			continue
		}
		kind, _, err := protocol.ParseHeader(msg)
		if err != nil {
			s.metrics.MalformedPacket()
			s.log.Debugw("bad packet header", "client", id, "err", err)
			continue
		}
		if kind == protocol.KindQuery {
			q, err := protocol.DecodeQuery(msg)
			if err != nil {
				s.metrics.MalformedPacket()
				s.log.Debugw("bad query", "client", id, "err", err)
				continue
			}
			s.queries.HandleQuery(id, q)
			continue
		}
		if err := s.ingest.Enqueue(ctx, ingest.Packet{Data: msg, Sender: id, Arrived: time.Now()}); err != nil {
			return
		}
	}
}
