package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"CrownSafe-ControlPlane/internal/observability/metrics"
	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/pkg/logger"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsChannel 将 websocket 连接适配为 Channel。写操作串行化。
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

// Server 暴露智能体接入端点与运维端点。
type Server struct {
	addr string
	hub  *Hub
}

// NewServer 构造接入服务实例。
func NewServer(addr string, h *Hub) *Server {
	return &Server{addr: addr, hub: h}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /connect/{agent_id}", s.handleConnect)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleConnect 将 HTTP 请求升级为 websocket，注册连接并进入读循环。
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		http.Error(w, "missing agent_id", http.StatusBadRequest)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("websocket 升级失败", slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}
	ch := &wsChannel{conn: conn}
	if err := s.hub.Register(agentID, ch); err != nil {
		_ = conn.Close()
		return
	}
	s.readLoop(r.Context(), agentID, ch, conn)
}

// readLoop 消费智能体的入站帧：PONG 仅刷新活跃时间，其余信封交给
// 中枢继续路由。解析失败的帧记录后丢弃。
func (s *Server) readLoop(ctx context.Context, agentID string, ch *wsChannel, conn *websocket.Conn) {
	defer func() {
		s.hub.Unregister(agentID, ch)
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.L().Warn("websocket 连接异常断开",
					slog.String("agent_id", agentID), slog.Any("error", err))
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
			logger.L().Warn("丢弃无法解析的入站帧",
				slog.String("agent_id", agentID), slog.Any("error", err))
			continue
		}
		s.hub.Touch(agentID)
		switch env.Type {
		case protocol.TypePong:
			// 心跳响应只刷新活跃时间。
		case protocol.TypePing:
			_ = ch.Send(protocol.NewPong(s.hub.hubID, agentID))
		default:
			// 发送方身份以连接归属为准，不信任帧内自报的 sender_id。
			env.SenderID = agentID
			if err := s.hub.Route(ctx, env); err != nil {
				logger.L().Warn("入站信封路由失败",
					slog.String("agent_id", agentID),
					slog.String("message_type", string(env.Type)),
					slog.Any("error", err))
			}
		}
	}
}
