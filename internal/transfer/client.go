package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
	"github.com/sirupsen/logrus"

	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	// TransportRetries is how often an idempotent state query is retried
	// before the failure is reported. Chunk and merge requests are sent once.
	TransportRetries int
	// HTTPClient defaults to a client without overall timeout; chunk bodies
	// can take arbitrarily long on slow links.
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// Client represents the HTTP client for sending file transfers
type Client struct {
	baseURL    string
	httpClient *http.Client
	retrying   *retryablehttp.Client
	log        *logrus.Entry
}

var _ API = (*Client)(nil)

// NewClient creates a new transfer client
func NewClient(opts ClientOptions) *Client {
	log := opts.Logger
	if log == nil {
		log = logging.Component("transfer-client")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = httpClient
	retrying.RetryMax = opts.TransportRetries
	retrying.RetryWaitMin = 200 * time.Millisecond
	retrying.RetryWaitMax = 2 * time.Second
	retrying.Logger = logging.Leveled(log)
	retrying.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		log.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
	retrying.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		retrying:   retrying,
		log:        log,
	}
}

func (c *Client) endpoint(path, id string, query url.Values) string {
	u := c.baseURL + path + url.PathEscape(id)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// QueryState handles GET /transfer-state/{id}
func (c *Client) QueryState(ctx context.Context, id string) (TransferStateResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(EndpointTransferState, id, nil), nil)
	if err != nil {
		return TransferStateResponse{}, err
	}

	resp, err := c.retrying.Do(req)
	if err != nil {
		return TransferStateResponse{}, requestError(ctx, "query transfer state", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TransferStateResponse{}, unwrapError("query transfer state", resp)
	}

	var state TransferStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return TransferStateResponse{}, fmt.Errorf("%w: decode transfer state: %v", common.ErrTransient, err)
	}
	return state, nil
}

// UploadChunk handles POST /chunk/{id}?chunkFileName=&start=&chunkSize=
func (c *Client) UploadChunk(ctx context.Context, id, chunkName string, chunkSize, start int64, body io.Reader, size int64, onProgress func(sent int64)) (int64, error) {
	query := url.Values{}
	query.Set(ParamChunkFileName, chunkName)
	query.Set(ParamStart, strconv.FormatInt(start, 10))
	if chunkSize > 0 {
		query.Set(ParamChunkSize, strconv.FormatInt(chunkSize, 10))
	}

	var reqBody io.ReadCloser = http.NoBody
	if size > 0 {
		if onProgress != nil {
			body = &progressReader{r: body, onProgress: onProgress}
		}
		reqBody = io.NopCloser(io.LimitReader(body, size))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(EndpointChunk, id, query), reqBody)
	if err != nil {
		return 0, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, requestError(ctx, "upload chunk "+chunkName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, unwrapError("upload chunk "+chunkName, resp)
	}

	var out ChunkUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode chunk response: %v", common.ErrTransient, err)
	}
	return out.Written, nil
}

// Merge handles POST /merge/{id}?chunkSize=&fileSize=
func (c *Client) Merge(ctx context.Context, id string, chunkSize, fileSize int64) error {
	query := url.Values{}
	if chunkSize > 0 {
		query.Set(ParamChunkSize, strconv.FormatInt(chunkSize, 10))
	}
	if fileSize >= 0 {
		query.Set(ParamFileSize, strconv.FormatInt(fileSize, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(EndpointMerge, id, query), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cancelled(ctx, err) {
			return requestError(ctx, "merge", err)
		}
		return fmt.Errorf("%w: merge: %v", common.ErrMerge, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := unwrapError("merge", resp)
		if errors.Is(err, common.ErrTransient) {
			return fmt.Errorf("%w: %v", common.ErrMerge, err)
		}
		return err
	}
	return nil
}

// Fetch downloads the finished file for id into dest.
func (c *Client) Fetch(ctx context.Context, id, dest string) error {
	downloader := got.New()
	downloader.Client = c.retrying.StandardClient()

	if err := downloader.Do(got.NewDownload(ctx, c.endpoint(EndpointFiles, id, nil), dest)); err != nil {
		return fmt.Errorf("failed to download %s: %w", id, err)
	}
	return nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+EndpointHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.retrying.Do(req)
	if err != nil {
		return requestError(ctx, "health check", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unwrapError("health check", resp)
	}
	return nil
}

// requestError classifies a failure to get any response at all.
func requestError(ctx context.Context, op string, err error) error {
	if cancelled(ctx, err) {
		return fmt.Errorf("%w: %s: %w", common.ErrCancelled, op, context.Canceled)
	}
	return fmt.Errorf("%w: %s: %v", common.ErrTransient, op, err)
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// unwrapError turns a non 200 response into one of the common sentinels,
// keeping the server's message.
func unwrapError(op string, resp *http.Response) error {
	sentinel := errorFor(resp.StatusCode)

	var body ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return fmt.Errorf("%w: %s: %s (%d)", sentinel, op, body.Message, resp.StatusCode)
	}
	return fmt.Errorf("%w: %s: %s", sentinel, op, resp.Status)
}

// progressReader reports the running byte count after every read.
type progressReader struct {
	r          io.Reader
	sent       int64
	onProgress func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.onProgress(p.sent)
	}
	return n, err
}
