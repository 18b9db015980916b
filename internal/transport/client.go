package transport

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// Shared HTTP transport tunings，复用长连接并集中配置拨号/TLS 超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ClientOptions 控制共享客户端的可选行为。
type ClientOptions struct {
	// ProxyURL 非空时覆盖环境变量中的代理设置。
	ProxyURL *url.URL
}

// NewClient 返回进程级共享的 http.Client。不设置 Client.Timeout，取消只通过 context 完成。
func NewClient(opts ClientOptions) *http.Client {
	tr := defaultTransport.Clone()
	if opts.ProxyURL != nil {
		tr.Proxy = http.ProxyURL(opts.ProxyURL)
	}
	return &http.Client{Transport: tr}
}
