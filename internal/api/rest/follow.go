package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/pkg/types"
)

const (
	followWriteWait  = 10 * time.Second
	followPongWait   = 60 * time.Second
	followPingPeriod = followPongWait * 9 / 10
)

// Origin checks are left to the bearer token; browsers cannot forge one
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// followHandler handles GET /v1/chains/{chain}/follow?from=
//
// Records are sent as JSON text messages in sequence order. With from set,
// records from that sequence are replayed from the store before live ones.
// Live records the subscription dropped are backfilled from the store, so
// the client sees every sequence exactly once.
func (s *Server) followHandler(w http.ResponseWriter, r *http.Request) {
	chainID := chainParam(r)

	from, ok := optionalUint(w, r, "from")
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.String("chain_id", chainID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// subscribe before reading the tail so nothing falls between the two
	live, unsubscribe := s.engine.Subscribe(chainID)
	defer unsubscribe()

	go s.followReadPump(conn, cancel)

	f := &follower{server: s, conn: conn, chainID: chainID}

	tail, err := s.engine.Tail(ctx, chainID)
	if err != nil {
		f.closeWith(websocket.CloseInternalServerErr, "failed to read tail")
		return
	}
	if from != nil && *from > 0 {
		f.last = *from - 1
		if err := f.backfill(ctx, tail.Sequence); err != nil {
			return
		}
	} else {
		f.last = tail.Sequence
	}

	s.logger.Debug("Follower attached",
		zap.String("chain_id", chainID),
		zap.Uint64("from_sequence", f.last+1),
	)

	ping := time.NewTicker(followPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(followWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case rec, ok := <-live:
			if !ok {
				return
			}
			if rec.Sequence <= f.last {
				continue
			}
			if rec.Sequence > f.last+1 {
				if err := f.backfill(ctx, rec.Sequence-1); err != nil {
					return
				}
			}
			if err := f.send(rec); err != nil {
				return
			}
		}
	}
}

// followReadPump drains client frames so control frames are processed and a
// closed connection cancels the follow
func (s *Server) followReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(followPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(followPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type follower struct {
	server  *Server
	conn    *websocket.Conn
	chainID string
	last    uint64
}

// backfill sends records last+1..to from the store in pages
func (f *follower) backfill(ctx context.Context, to uint64) error {
	page := uint64(f.server.config.PageSize)
	for f.last < to {
		end := f.last + page
		if end > to {
			end = to
		}
		records, err := f.server.store.GetRange(ctx, f.chainID, f.last+1, end)
		if err != nil {
			f.server.logger.Error("Follower backfill failed",
				zap.String("chain_id", f.chainID),
				zap.Error(err),
			)
			f.closeWith(websocket.CloseInternalServerErr, "backfill failed")
			return err
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			if err := f.send(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *follower) send(rec *types.AuditRecord) error {
	f.conn.SetWriteDeadline(time.Now().Add(followWriteWait))
	if err := f.conn.WriteJSON(rec); err != nil {
		return err
	}
	f.last = rec.Sequence
	return nil
}

func (f *follower) closeWith(code int, text string) {
	f.conn.SetWriteDeadline(time.Now().Add(followWriteWait))
	f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
