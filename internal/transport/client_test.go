package transport

import (
	"net/http"
	"net/url"
	"testing"
)

func TestNewClientHasNoOverallTimeout(t *testing.T) {
	client := NewClient(ClientOptions{})
	if client.Timeout != 0 {
		t.Fatalf("下载客户端不应设置整体超时，实际 %s", client.Timeout)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if tr == defaultTransport {
		t.Fatalf("每个客户端应持有独立的 Transport 副本")
	}
	if tr.ResponseHeaderTimeout != 0 {
		t.Fatalf("等待响应头不应有固定超时，实际 %s", tr.ResponseHeaderTimeout)
	}
}

func TestNewClientUsesConfiguredProxy(t *testing.T) {
	proxy, _ := url.Parse("http://127.0.0.1:3128")
	client := NewClient(ClientOptions{ProxyURL: proxy})
	tr := client.Transport.(*http.Transport)

	req, _ := http.NewRequest(http.MethodGet, "https://builds.example.com/a.zip", nil)
	got, err := tr.Proxy(req)
	if err != nil {
		t.Fatalf("proxy func error: %v", err)
	}
	if got == nil || got.Host != "127.0.0.1:3128" {
		t.Fatalf("expected configured proxy, got %v", got)
	}
}
