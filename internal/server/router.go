package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Router 注册 WS、状态接口，其余路径走静态页
func (h *Hub) Router(content fs.FS, wsPath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(wsPath, func(c *gin.Context) {
		h.HandleWS(c.Writer, c.Request)
	})
	r.GET("/api/status", func(c *gin.Context) {
		st, err := h.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})
	if content != nil {
		r.NoRoute(gin.WrapH(http.FileServer(http.FS(content))))
	}
	return r
}

// Serve 启动静态页 + WS，ctx 结束时优雅关闭
func (h *Hub) Serve(ctx context.Context, addr string, content fs.FS, wsPath string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(content, wsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
