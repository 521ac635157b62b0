package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonlog "folio/server/common/log"
	"folio/server/common/middleware"
	"folio/server/common/transport/httpresp"
	"folio/server/files/domain"
	"folio/server/files/registry"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 64 << 10
)

const (
	clientFilter  = "filter"
	clientSort    = "sort"
	clientView    = "view"
	clientClose   = "close"
	clientDelete  = "delete"
	clientSignOut = "sign_out"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type wsClientMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	ID    string `json:"id"`
}

type wsError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsClient serializes writes; session pushes and read-loop replies share
// one connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsClient) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *wsClient) writeError(message string) {
	_ = w.write(wsError{Type: "error", Error: message})
}

func (w *wsClient) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteTimeout))
	_ = w.conn.Close()
}

// serveWS runs one live file list session for the lifetime of the
// connection. The session ends on sign_out, disconnect or token expiry.
func (h *Handler) serveWS(c *gin.Context) {
	token, ok := middleware.BearerToken(c, true)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	subjectID, expiresAt, err := h.identity.ParseSubject(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=files_ws action=upgrade status=failed subject_id=%s error=%v", subjectID, err)
		return
	}
	client := &wsClient{conn: conn}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stopOnShutdown := context.AfterFunc(h.sessionsCtx, func() {
		client.close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stopOnShutdown()

	session := registry.NewSession(subjectID, h.feeds, h.files, func(m registry.Message) {
		if err := client.write(m); err != nil {
			commonlog.Debugf("event=files_ws action=write status=failed subject_id=%s type=%s error=%v", subjectID, m.Type, err)
		}
	}, h.opts)
	session.Start(ctx)
	defer session.Close()

	expiry := time.AfterFunc(time.Until(expiresAt), func() {
		commonlog.Infof("event=files_ws action=expire subject_id=%s", subjectID)
		client.writeError(httpresp.ErrInvalidToken)
		client.close(websocket.ClosePolicyViolation, "token expired")
	})
	defer expiry.Stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.writeError("invalid message")
			continue
		}
		switch msg.Type {
		case clientFilter:
			filter, err := domain.ParseFilter(msg.Value)
			if err != nil {
				client.writeError(err.Error())
				continue
			}
			session.SetFilter(filter)
		case clientSort:
			order, err := domain.ParseSortOrder(msg.Value)
			if err != nil {
				client.writeError(err.Error())
				continue
			}
			session.SetSort(order)
		case clientView:
			session.OpenDetail(msg.ID)
		case clientClose:
			session.CloseDetail()
		case clientDelete:
			session.DeleteViewed(ctx)
		case clientSignOut:
			commonlog.Infof("event=files_ws action=sign_out subject_id=%s", subjectID)
			client.close(websocket.CloseNormalClosure, "signed out")
			return
		default:
			client.writeError("unknown message type")
		}
	}
}
