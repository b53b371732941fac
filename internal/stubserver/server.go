// Package stubserver provides a scriptable HTTP upstream for tests. Each path
// is bound to a sequence of canned responses and every request is recorded so
// tests can assert how many times, and with which headers, a URI was fetched.
package stubserver

import (
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
)

// Response 描述一次脚本化响应。Status 为 0 时视为 200。
type Response struct {
	Status   int
	Body     []byte
	Header   map[string]string
	Location string
	Delay    time.Duration
}

// RecordedRequest 捕获每次请求的方法/路径/查询串/Headers。
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
}

// Server 是基于 fiber 的上游模拟器。
type Server struct {
	URL string

	app      *fiber.App
	listener net.Listener

	mu       sync.Mutex
	routes   map[string][]Response
	served   map[string]int
	requests []RecordedRequest
}

// New 在 127.0.0.1 的随机端口上启动模拟器，并在测试结束时自动关闭。
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		routes: map[string][]Response{},
		served: map[string]int{},
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	app.All("/*", s.handle)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start stub listener: %v", err)
	}

	s.app = app
	s.listener = listener
	s.URL = "http://" + listener.Addr().String()

	go func() {
		_ = app.Listener(listener, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	t.Cleanup(s.Close)
	return s
}

// Handle 为 path 绑定响应序列：第 n 次请求使用第 n 个响应，超出后重复最后一个。
func (s *Server) Handle(path string, responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = append([]Response(nil), responses...)
	s.served[path] = 0
}

// Serve 是 Handle 的简写：path 固定返回 200 与 body。
func (s *Server) Serve(path string, body []byte) {
	s.Handle(path, Response{Status: http.StatusOK, Body: body})
}

// Redirect 让 path 以 status 重定向到 location。
func (s *Server) Redirect(path string, status int, location string) {
	s.Handle(path, Response{Status: status, Location: location})
}

// Requests 返回全部已记录的请求副本。
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// RequestsFor 返回命中 path 的请求。
func (s *Server) RequestsFor(path string) []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []RecordedRequest
	for _, req := range s.requests {
		if req.Path == path {
			result = append(result, req)
		}
	}
	return result
}

// Count 返回 path 被请求的次数。
func (s *Server) Count(path string) int {
	return len(s.RequestsFor(path))
}

// Close 关闭模拟器，可重复调用。
func (s *Server) Close() {
	if s == nil || s.app == nil {
		return
	}
	_ = s.app.ShutdownWithTimeout(time.Second)
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) handle(c fiber.Ctx) error {
	path := c.Path()

	header := http.Header{}
	for key, values := range c.GetReqHeaders() {
		for _, value := range values {
			header.Add(key, value)
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:   c.Method(),
		Path:     path,
		RawQuery: string(c.Request().URI().QueryString()),
		Header:   header,
	})
	script, ok := s.routes[path]
	var resp Response
	if ok && len(script) > 0 {
		idx := s.served[path]
		if idx >= len(script) {
			idx = len(script) - 1
		}
		resp = script[idx]
		s.served[path]++
	}
	s.mu.Unlock()

	if !ok {
		return c.Status(fiber.StatusNotFound).SendString("no stub for " + path)
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Header {
		c.Set(key, value)
	}
	if resp.Location != "" {
		c.Set(fiber.HeaderLocation, resp.Location)
	}
	status := resp.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).Send(resp.Body)
}
