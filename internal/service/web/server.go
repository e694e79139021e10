package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"

	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/internal/shared/types"
)

//go:embed all:static
var staticFiles embed.FS

// loggingListener logs accepted connections at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux builds the routing table. Everything except /ws and /api/status requires auth
// when credentials are configured.
func NewMux(cfg types.LocalConf, controller ScanController, hub *Hub) (*http.ServeMux, error) {
	handler := NewHandler(controller, hub)
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(h, cfg.WebUser, cfg.WebPassword)
	}

	mux.Handle("/scan", auth(handler.HandleScan))
	mux.Handle("/save", auth(handler.HandleSave))
	mux.Handle("/api/urls", auth(handler.HandleURLs))
	mux.Handle("/api/save_urls", auth(handler.HandleSaveURLs))
	mux.Handle("/api/results", auth(handler.HandleResults))
	mux.Handle("/api/scan_sources", auth(handler.HandleScanSources))

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// --- 静态文件和主页 ---
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem for static assets: %w", err)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		index, err := staticFiles.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "Could not load index.html", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(index)
	})
	mux.Handle("/", auth(rootHandler))
	return mux, nil
}

// StartServer 在 cfg.WebPort 上启动 Web UI。返回的 *http.Server 用于优雅关闭；
// web_port 为 0 时返回 nil。
func StartServer(wg *sync.WaitGroup, cfg types.LocalConf, controller ScanController, hub *Hub) (*http.Server, error) {
	l := logger.WithComponent("Web/Server")
	if cfg.WebPort <= 0 {
		l.Info().Msg("Web UI is disabled (web_port is 0 or not set).")
		return nil, nil
	}

	mux, err := NewMux(cfg, controller, hub)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web ui on %s: %w", addr, err)
	}
	l.Info().Msgf("SUCCESS: Web UI is listening on http://%s", addr)

	srv := &http.Server{Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && err != http.ErrServerClosed {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
