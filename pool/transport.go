package pool

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/maximhq/connpool/schemas"
	"github.com/valyala/fasthttp"
)

// Transport is the live handle behind a Connection.
type Transport interface {
	// Do sends req upstream with the connection's credentials attached.
	Do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error
	// Ping performs a lightweight reachability check.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer creates transports for connection configs.
type Dialer interface {
	Dial(ctx context.Context, provider string, config schemas.ConnectionConfig) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, provider string, config schemas.ConnectionConfig) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, provider string, config schemas.ConnectionConfig) (Transport, error) {
	return f(ctx, provider, config)
}

// HTTPDialer builds one fasthttp.HostClient per connection.
type HTTPDialer struct {
	MaxConnsPerHost     int
	MaxIdleConnDuration time.Duration
	// VerifyOnDial pings the upstream before handing the transport out.
	VerifyOnDial bool
}

// NewHTTPDialer returns a dialer with fasthttp defaults suited to API traffic.
func NewHTTPDialer() *HTTPDialer {
	return &HTTPDialer{
		MaxConnsPerHost:     512,
		MaxIdleConnDuration: 60 * time.Second,
	}
}

// Dial builds an HTTPTransport for config, pinging the upstream first when
// VerifyOnDial is set.
func (d *HTTPDialer) Dial(ctx context.Context, provider string, config schemas.ConnectionConfig) (Transport, error) {
	endpoint, err := url.Parse(config.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q for connection %s: %w", config.Endpoint, config.ID, schemas.ErrConfiguration)
	}
	isTLS := strings.EqualFold(endpoint.Scheme, "https")
	addr := endpoint.Host
	if endpoint.Port() == "" {
		if isTLS {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	t := &HTTPTransport{
		provider: provider,
		config:   config,
		endpoint: endpoint,
		client: &fasthttp.HostClient{
			Addr:                addr,
			Name:                "connpool-" + provider,
			IsTLS:               isTLS,
			MaxConns:            d.MaxConnsPerHost,
			MaxIdleConnDuration: d.MaxIdleConnDuration,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
		},
	}
	if config.Auth.Type == schemas.AuthTypeAWSSigV4 {
		creds, err := loadAWSCredentials(ctx, config.Auth.AWS)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws credentials for connection %s: %w", config.ID, err)
		}
		t.awsCreds = creds
		t.signer = v4.NewSigner()
	}
	if d.VerifyOnDial {
		if err := t.Ping(ctx); err != nil {
			t.client.CloseIdleConnections()
			return nil, err
		}
	}
	return t, nil
}

func loadAWSCredentials(ctx context.Context, cfg *schemas.AWSAuthConfig) (aws.CredentialsProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return aws.NewCredentialsCache(awsCfg.Credentials), nil
}

// HTTPTransport sends requests to one endpoint with one credential.
type HTTPTransport struct {
	provider string
	config   schemas.ConnectionConfig
	endpoint *url.URL
	client   *fasthttp.HostClient
	signer   *v4.Signer
	awsCreds aws.CredentialsProvider
}

// Do fills in scheme and host when the request carries only a path, then
// attaches credentials and sends it.
func (t *HTTPTransport) Do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	uri := req.URI()
	if len(uri.Host()) == 0 {
		uri.SetScheme(t.endpoint.Scheme)
		uri.SetHost(t.endpoint.Host)
		if prefix := strings.TrimRight(t.endpoint.Path, "/"); prefix != "" && !strings.HasPrefix(string(uri.Path()), prefix) {
			uri.SetPath(prefix + string(uri.Path()))
		}
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	if err := t.authorize(ctx, req); err != nil {
		return err
	}

	timeout := t.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return t.client.DoTimeout(req, resp, timeout)
}

// Ping issues a GET against the configured health path (or the endpoint
// root). 5xx and 429 responses count as failures.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	path := t.config.HealthPath
	if path == "" {
		path = "/"
	}
	req.SetRequestURI(path)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := t.Do(ctx, req, resp); err != nil {
		return fmt.Errorf("probe %s: %w", t.config.ID, err)
	}
	status := resp.StatusCode()
	if status >= fasthttp.StatusInternalServerError || status == fasthttp.StatusTooManyRequests {
		return fmt.Errorf("probe %s: upstream returned status %d", t.config.ID, status)
	}
	return nil
}

// Close releases the client's idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) authorize(ctx context.Context, req *fasthttp.Request) error {
	switch t.config.Auth.Type {
	case schemas.AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+t.config.Credential)
	case schemas.AuthTypeHeader:
		req.Header.Set(t.config.Auth.Header, t.config.Credential)
	case schemas.AuthTypeAWSSigV4:
		return t.signAWS(ctx, req)
	}
	return nil
}

// signAWS signs a copy of the request as a net/http request, since that is
// what the SigV4 signer accepts, and copies the signature headers back.
func (t *HTTPTransport) signAWS(ctx context.Context, req *fasthttp.Request) error {
	body := req.Body()
	httpReq, err := http.NewRequestWithContext(ctx, string(req.Header.Method()), req.URI().String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request for signing: %w", err)
	}
	req.Header.VisitAll(func(key, value []byte) {
		httpReq.Header.Set(string(key), string(value))
	})

	hash := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(hash[:])

	creds, err := t.awsCreds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve aws credentials: %w", err)
	}
	awsCfg := t.config.Auth.AWS
	if err := t.signer.SignHTTP(ctx, creds, httpReq, bodyHash, awsCfg.Service, awsCfg.Region, time.Now()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	for _, header := range []string{"Authorization", "X-Amz-Date", "X-Amz-Security-Token"} {
		if v := httpReq.Header.Get(header); v != "" {
			req.Header.Set(header, v)
		}
	}
	return nil
}
