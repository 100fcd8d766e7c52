package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsanjin-1/bigfile/internal/chunker"
	"github.com/redsanjin-1/bigfile/internal/chunkstore"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/identity"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

const testChunkSize = 8 * 1024

type fixture struct {
	store  *chunkstore.Store
	server *httptest.Server
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := chunkstore.New(chunkstore.Options{
		PublicDir:        filepath.Join(root, "public"),
		TempDir:          filepath.Join(root, "temp"),
		ChunkSize:        testChunkSize,
		MergeConcurrency: 2,
		Logger:           logging.Discard(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(store, logging.Discard()).Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		store:  store,
		server: srv,
		client: NewClient(ClientOptions{BaseURL: srv.URL, Logger: logging.Discard()}),
	}
}

func sample(t *testing.T, size int) ([]byte, identity.FileIdentity) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	id, err := identity.Compute(bytes.NewReader(data), "png", identity.SHA256)
	require.NoError(t, err)
	return data, id
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestServer_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, id := sample(t, 20*1024)

	state, err := f.client.QueryState(ctx, id.String())
	require.NoError(t, err)
	assert.True(t, state.Success)
	assert.False(t, state.Exists)
	assert.Empty(t, state.UploadedChunks)

	chunks, err := chunker.Plan(int64(len(data)), id, testChunkSize)
	require.NoError(t, err)
	for _, c := range chunks {
		n, err := f.client.UploadChunk(ctx, id.String(), c.Name, testChunkSize, 0, c.Section(bytes.NewReader(data), 0), c.Len(), nil)
		require.NoError(t, err)
		assert.Equal(t, c.Len(), n)
	}

	state, err = f.client.QueryState(ctx, id.String())
	require.NoError(t, err)
	assert.Len(t, state.UploadedChunks, 3)

	require.NoError(t, f.client.Merge(ctx, id.String(), testChunkSize, int64(len(data))))

	state, err = f.client.QueryState(ctx, id.String())
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.Empty(t, state.UploadedChunks)

	_, err = f.client.UploadChunk(ctx, id.String(), chunks[0].Name, testChunkSize, 0, chunks[0].Section(bytes.NewReader(data), 0), chunks[0].Len(), nil)
	assert.ErrorIs(t, err, common.ErrIntegrity, "late chunk after merge")
	_, err = os.Stat(f.store.ChunkDir(id.String()))
	assert.True(t, os.IsNotExist(err))

	dest := filepath.Join(t.TempDir(), "copy.png")
	require.NoError(t, f.client.Fetch(ctx, id.String(), dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestServer_RequestIDHeader(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + EndpointHealth)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, resp.Header.Get(HeaderRequestID), 36)
}

func TestServer_InvalidIdentity(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + EndpointTransferState + "not-a-digest")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeError(t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, http.StatusBadRequest, body.Code)
	assert.Equal(t, "Bad Request", body.Error)
}

func TestServer_ChunkParams(t *testing.T) {
	f := newFixture(t)
	_, id := sample(t, 10)

	resp, err := http.Post(f.server.URL+EndpointChunk+id.String(), "application/octet-stream", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing chunkFileName")

	resp, err = http.Post(f.server.URL+EndpointChunk+id.String()+"?chunkFileName="+id.String()+"-0&start=abc",
		"application/octet-stream", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "bad start")
}

func TestServer_OversizedChunk(t *testing.T) {
	f := newFixture(t)
	_, id := sample(t, 10)
	name := chunker.ChunkName(id.String(), 0)

	_, err := f.client.UploadChunk(context.Background(), id.String(), name, testChunkSize, 0,
		bytes.NewReader(make([]byte, testChunkSize+1)), testChunkSize+1, nil)
	assert.ErrorIs(t, err, common.ErrIntegrity)

	resp, err := http.Post(f.server.URL+EndpointChunk+id.String()+"?chunkFileName="+name,
		"application/octet-stream", bytes.NewReader(make([]byte, testChunkSize+1)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_ChunkSizeIsPinned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, id := sample(t, 16*1024)
	const small = 4 * 1024

	state, err := f.client.QueryState(ctx, id.String())
	require.NoError(t, err)
	assert.Zero(t, state.ChunkSize)
	assert.Equal(t, int64(testChunkSize), state.MaxChunkSize)

	name1 := chunker.ChunkName(id.String(), 1)
	_, err = f.client.UploadChunk(ctx, id.String(), name1, small, 0, bytes.NewReader(data[small:2*small]), small, nil)
	require.NoError(t, err)

	state, err = f.client.QueryState(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, int64(small), state.ChunkSize)

	// Same chunk name under a differently sized plan.
	_, err = f.client.UploadChunk(ctx, id.String(), name1, testChunkSize, small, bytes.NewReader(data[3*small:4*small]), small, nil)
	assert.ErrorIs(t, err, common.ErrIntegrity)

	err = f.client.Merge(ctx, id.String(), testChunkSize, int64(len(data)))
	assert.ErrorIs(t, err, common.ErrIntegrity)
}

func TestServer_ChunkSizeAboveLimit(t *testing.T) {
	f := newFixture(t)
	_, id := sample(t, 10)

	_, err := f.client.UploadChunk(context.Background(), id.String(), chunker.ChunkName(id.String(), 0), 2*testChunkSize, 0,
		strings.NewReader("x"), 1, nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestServer_HoleIsConflict(t *testing.T) {
	f := newFixture(t)
	_, id := sample(t, 10)

	_, err := f.client.UploadChunk(context.Background(), id.String(), chunker.ChunkName(id.String(), 0), testChunkSize, 100,
		strings.NewReader("late bytes"), 10, nil)
	assert.ErrorIs(t, err, common.ErrIntegrity)
}

func TestServer_MergeFailures(t *testing.T) {
	f := newFixture(t)
	data, id := sample(t, 20*1024)
	chunks, err := chunker.Plan(int64(len(data)), id, testChunkSize)
	require.NoError(t, err)

	_, err = f.client.UploadChunk(context.Background(), id.String(), chunks[0].Name, testChunkSize, 0,
		chunks[0].Section(bytes.NewReader(data), 0), chunks[0].Len(), nil)
	require.NoError(t, err)

	err = f.client.Merge(context.Background(), id.String(), testChunkSize, int64(len(data)))
	assert.ErrorIs(t, err, common.ErrMerge)

	resp, err := http.Post(f.server.URL+EndpointMerge+id.String()+"?chunkSize=-3", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StaticFiles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.store.PublicDir(), ".hidden.partial"), []byte("x"), 0o600))

	for _, path := range []string{EndpointFiles, EndpointFiles + ".hidden.partial", EndpointFiles + "missing"} {
		resp, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	_, id := sample(t, 10)

	resp, err := http.Get(f.server.URL + EndpointMerge + id.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
