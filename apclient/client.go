package apclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

var (
	UserAgent = "SocialNode/1.0"
)

var tracer = otel.Tracer("apclient")

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialnode_deliveries_total",
		Help: "Pushes to peer inboxes by outcome.",
	}, []string{"status"})
	deliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "socialnode_delivery_duration_seconds",
		Help:    "Latency of pushes to peer inboxes.",
		Buckets: prometheus.DefBuckets,
	}, []string{"node"})
)

// HTTPClient is the subset of *http.Client used here.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to peer nodes.
type Client struct {
	http   HTTPClient
	store  *store.Store
	config types.NodeConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient returns a Client. A nil httpClient uses a plain *http.Client;
// every request is bounded by config.DeliveryTimeout either way.
func NewClient(
	httpClient HTTPClient,
	store *store.Store,
	config types.NodeConfig,
) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = types.DefaultDeliveryTimeout
	}
	return &Client{
		http:     httpClient,
		store:    store,
		config:   config,
		limiters: map[string]*rate.Limiter{},
	}
}

// InboxURL is {node.host}/authors/{serial of recipient}/inbox.
func InboxURL(node types.Node, recipientFQID string) string {
	return strings.TrimRight(node.Host, "/") + "/authors/" + fqid.Serial(recipientFQID) + "/inbox"
}

// PostToInbox pushes envelope to recipient's inbox on node.
func (c *Client) PostToInbox(ctx context.Context, node types.Node, recipientFQID string, envelope any) error {
	ctx, span := tracer.Start(ctx, "PostToInbox")
	defer span.End()

	inbox := InboxURL(node, recipientFQID)
	start := time.Now()
	err := c.postToInbox(ctx, node, inbox, envelope)
	deliveryDuration.WithLabelValues(node.Host).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		deliveries.WithLabelValues("ok").Inc()
		log.Info().Str("inbox", inbox).Msg("delivered")
	case errors.Is(err, context.DeadlineExceeded):
		deliveries.WithLabelValues("timeout").Inc()
	default:
		deliveries.WithLabelValues("error").Inc()
	}
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("inbox", inbox).Msg("delivery failed")
	}
	return err
}

func (c *Client) postToInbox(ctx context.Context, node types.Node, inbox string, envelope any) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	if err := c.wait(ctx, node); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	c.setHeaders(ctx, req)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(node.Username, node.Password)

	if node.Capabilities.Data().SignRequests {
		if err := c.sign(ctx, req, body); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "post to inbox")
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	log.Debug().Str("inbox", inbox).Int("status", resp.StatusCode).Str("body", string(reply)).Msg("POST inbox")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("inbox responded %d", resp.StatusCode)
	}
	return nil
}

// CheckFollower asks the author's node whether follower is among the author's followers.
func (c *Client) CheckFollower(ctx context.Context, node types.Node, authorFQID, followerFQID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "CheckFollower")
	defer span.End()

	target := strings.TrimRight(node.Host, "/") + "/authors/" + fqid.Serial(authorFQID) + "/followers/" + fqid.Encode(followerFQID)
	resp, err := c.get(ctx, node, target)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	}
	return false, errors.Errorf("%s responded %d", target, resp.StatusCode)
}

// FetchAuthors searches the author directory of node. Nodes without a search
// parameter are filtered here by display name.
func (c *Client) FetchAuthors(ctx context.Context, node types.Node, query string) ([]types.AuthorEnvelope, error) {
	ctx, span := tracer.Start(ctx, "FetchAuthors")
	defer span.End()

	caps := node.Capabilities.Data()
	target := strings.TrimRight(node.Host, "/") + "/authors"
	if caps.ListEndpointStyle != types.ListStyleBare {
		target += "/"
	}

	params := url.Values{}
	params.Set("page", "1")
	if caps.PageSizeParam != "" {
		size := caps.PageSize
		if size <= 0 {
			size = types.MaxPageSize
		}
		params.Set(caps.PageSizeParam, strconv.Itoa(size))
	}
	if caps.SearchParam != "" && query != "" {
		params.Set(caps.SearchParam, query)
	}
	target += "?" + params.Encode()

	resp, err := c.get(ctx, node, target)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("%s responded %d", target, resp.StatusCode)
	}

	var directory types.AuthorsEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&directory); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "decode author directory")
	}

	authors := lo.Filter(directory.Authors, func(a types.AuthorEnvelope, _ int) bool {
		return fqid.Validate(a.ID) == nil
	})
	if caps.SearchParam == "" && query != "" {
		q := strings.ToLower(query)
		authors = lo.Filter(authors, func(a types.AuthorEnvelope, _ int) bool {
			return strings.Contains(strings.ToLower(a.DisplayName), q)
		})
	}
	return authors, nil
}

// RemoveFollower asks the author's node to drop follower. A 404 means the
// edge is already gone.
func (c *Client) RemoveFollower(ctx context.Context, node types.Node, authorFQID, followerFQID string) error {
	ctx, span := tracer.Start(ctx, "RemoveFollower")
	defer span.End()

	target := strings.TrimRight(node.Host, "/") + "/authors/" + fqid.Serial(authorFQID) + "/followers/" + fqid.Encode(followerFQID)
	resp, err := c.request(ctx, node, http.MethodDelete, target)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return errors.Errorf("%s responded %d", target, resp.StatusCode)
}

func (c *Client) get(ctx context.Context, node types.Node, target string) (*http.Response, error) {
	return c.request(ctx, node, http.MethodGet, target)
}

// request sends a bodyless request. Only GETs honour capabilities.usesAuth;
// anything that mutates the peer is always authenticated.
func (c *Client) request(ctx context.Context, node types.Node, method, target string) (*http.Response, error) {
	if err := c.wait(ctx, node); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.DeliveryTimeout)
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "build request")
	}
	c.setHeaders(ctx, req)
	if method != http.MethodGet || node.Capabilities.Data().UsesAuth {
		req.SetBasicAuth(node.Username, node.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, strings.ToLower(method)+" "+target)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	ua := UserAgent
	if c.config.UserAgent != "" {
		ua = c.config.UserAgent
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
}

// KeyID names the instance key in signatures; nodeinfo publishes the public half.
func KeyID(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/api/nodeinfo/2.0#main-key"
}

func (c *Client) sign(ctx context.Context, req *http.Request, body []byte) error {
	key, err := c.store.EnsureInstanceKey(ctx)
	if err != nil {
		return errors.Wrap(err, "load instance key")
	}
	priv, err := c.store.LoadKey(key)
	if err != nil {
		return err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "date", "digest", "host"}
	signer, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		return errors.Wrap(err, "create signer")
	}
	if err := signer.SignRequest(priv, KeyID(c.config.BaseURL), req, body); err != nil {
		return errors.Wrap(err, "sign request")
	}
	return nil
}

// wait paces requests to nodes that declare requestsPerSecond.
func (c *Client) wait(ctx context.Context, node types.Node) error {
	rps := node.Capabilities.Data().RequestsPerSecond
	if rps <= 0 {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[node.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps))))
		c.limiters[node.Host] = limiter
	}
	c.mu.Unlock()

	return errors.Wrap(limiter.Wait(ctx), "rate limit")
}
