package commands

import (
	"net/http"
	"testing"
	"time"

	"github.com/calderahq/caldera/pkg/config"
)

func TestHTTPServerKeepsLongResponsesOpen(t *testing.T) {
	cfg := config.Default()
	srv := newHTTPServer(cfg, http.NotFoundHandler())

	if srv.WriteTimeout != 0 {
		t.Errorf("write timeout = %v; long stack operations and the event stream must stay open", srv.WriteTimeout)
	}
	if srv.ReadTimeout != 0 {
		t.Errorf("read timeout = %v; only headers should carry a deadline", srv.ReadTimeout)
	}
	if srv.ReadHeaderTimeout != 30*time.Second {
		t.Errorf("read header timeout = %v, want the configured read_timeout", srv.ReadHeaderTimeout)
	}
	if srv.Addr != cfg.Server.BindAddr {
		t.Errorf("addr = %q", srv.Addr)
	}
}
