package gateway

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ccmate/internal/config"
	"ccmate/internal/logger"

	"golang.org/x/net/proxy"
)

// Long generation requests can run for minutes.
const defaultHTTPTimeout = 300 * time.Second

// newHTTPClient builds the upstream client, routing through the configured
// outbound proxy when one is set.
func newHTTPClient(np *config.NetworkProxy, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := &http.Client{Timeout: timeout}

	proxyURL := np.URL()
	if proxyURL == "" {
		return client
	}
	if transport := buildProxyTransport(proxyURL); transport != nil {
		client.Transport = transport
	}
	return client
}

// buildProxyTransport supports socks5, http and https proxy schemes.
func buildProxyTransport(proxyURL string) *http.Transport {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		logger.Warn("[gateway] parse proxy URL failed: %v", err)
		return nil
	}

	switch strings.ToLower(parsedURL.Scheme) {
	case "socks5":
		return buildSOCKS5Transport(parsedURL)
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(parsedURL)}
	default:
		logger.Warn("[gateway] unsupported proxy scheme: %s", parsedURL.Scheme)
		return nil
	}
}

func buildSOCKS5Transport(parsedURL *url.URL) *http.Transport {
	var auth *proxy.Auth
	if parsedURL.User != nil {
		password, _ := parsedURL.User.Password()
		auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
	if err != nil {
		logger.Warn("[gateway] create SOCKS5 dialer failed: %v", err)
		return nil
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}
}
