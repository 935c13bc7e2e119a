// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stages

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/appvisor"
)

// writeDist creates an artifact directory with an index page and one
// asset.
func writeDist(t *testing.T, page string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, appvisor.IndexFile),
		[]byte(page), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"),
		[]byte("console.log(1);"), 0o644))
	return dir
}

type harness struct {
	worker *appvisor.Worker
	sup    *appvisor.Channel
	base   string
}

// startWorker runs a worker in-process, with the test playing the part
// of the supervisor.
func startWorker(t *testing.T, dist string, loaders ...appvisor.StageLoader) *harness {
	t.Helper()
	a, b := net.Pipe()
	sup := appvisor.NewChannel(a)
	go func() {
		for {
			if _, e := sup.Recv(); e != nil {
				return
			}
		}
	}()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	w, err := appvisor.NewWorker(appvisor.WorkerConfig{
		Options:  appvisor.ForkOptions{DistPath: dist},
		Channel:  appvisor.NewChannel(b),
		Stages:   loaders,
		Logger:   log.New(io.Discard, "", 0),
		Listener: ln,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		sup.Close()
		w.Stop()
	})
	return &harness{worker: w, sup: sup, base: "http://" + w.Addr().String()}
}

func (h *harness) do(t *testing.T, method, path string, hdr http.Header) (int, string, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, h.base+path, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), resp.Header
}

func (h *harness) status(t *testing.T, path string) int {
	code, _, _ := h.do(t, http.MethodGet, path, nil)
	return code
}

func TestDefaultOrder(t *testing.T) {
	h := startWorker(t, writeDist(t, "<p>hi</p>"), Default(Options{})...)
	assert.Equal(t, []string{
		NameCompression,
		NameMasterError,
		NameRenderRoot,
		NameStaticServe,
		NameMissingAssets,
	}, h.worker.Stages())
}

func TestDefaultOrderWithAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	h := startWorker(t, writeDist(t, "<p>hi</p>"),
		Default(Options{Username: "admin", PasswordHash: string(hash)})...)
	assert.Equal(t, []string{
		NameCompression,
		NameBasicAuth,
		NameMasterError,
		NameRenderRoot,
		NameStaticServe,
		NameMissingAssets,
	}, h.worker.Stages())
}

func TestAssetsWithoutRenderRoot(t *testing.T) {
	h := startWorker(t, writeDist(t, "<p>hi</p>"), MissingAssets, StaticServe)
	assert.Equal(t, []string{NameStaticServe, NameMissingAssets}, h.worker.Stages())

	code, body, _ := h.do(t, http.MethodGet, "/assets/app.js", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "console.log(1);", body)
	assert.Equal(t, http.StatusNotFound, h.status(t, "/assets/missing.js"))
}

func TestServing(t *testing.T) {
	h := startWorker(t, writeDist(t, "<p>hi</p>"), Default(Options{})...)

	code, body, _ := h.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<p>hi</p>", body)

	code, body, _ = h.do(t, http.MethodGet, "/?render=false", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<p>hi</p>", body)

	code, body, _ = h.do(t, http.MethodGet, "/assets/app.js", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "console.log(1);", body)

	assert.Equal(t, http.StatusNotFound, h.status(t, "/assets/missing.js"))
	assert.Equal(t, http.StatusNotFound, h.status(t, "/assets/"))
	assert.Equal(t, http.StatusNotFound, h.status(t, "/elsewhere"))

	code, _, _ = h.do(t, http.MethodPost, "/", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNoArtifact(t *testing.T) {
	h := startWorker(t, "", Default(Options{})...)
	assert.Equal(t, http.StatusInternalServerError, h.status(t, "/"))
	assert.Equal(t, http.StatusInternalServerError, h.status(t, "/assets/app.js"))
}

func TestSynchronize(t *testing.T) {
	h := startWorker(t, "", Default(Options{})...)
	assert.Equal(t, http.StatusInternalServerError, h.status(t, "/"))

	dist := writeDist(t, "<p>new</p>")
	require.NoError(t, h.sup.SendEvent(appvisor.Synchronize{DistPath: dist}))
	assert.Eventually(t, func() bool {
		return h.status(t, "/") == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	_, body, _ := h.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, "<p>new</p>", body)
	assert.Equal(t, http.StatusOK, h.status(t, "/assets/app.js"))
	assert.Equal(t, dist, h.worker.DistPath())
}

func TestSynchronizeSamePath(t *testing.T) {
	dist := writeDist(t, "<p>same</p>")
	h := startWorker(t, dist, Default(Options{})...)
	for i := 0; i < 2; i++ {
		require.NoError(t, h.sup.SendEvent(appvisor.Synchronize{DistPath: dist}))
	}
	assert.Eventually(t, func() bool {
		return h.status(t, "/") == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	_, body, _ := h.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, "<p>same</p>", body)
}

func TestMasterError(t *testing.T) {
	dist := writeDist(t, "<p>hi</p>")
	h := startWorker(t, dist, Default(Options{})...)

	require.NoError(t, h.sup.SendEvent(appvisor.MasterError{Response: "<h1>broken</h1>"}))
	assert.Eventually(t, func() bool {
		return h.status(t, "/") == http.StatusInternalServerError
	}, 5*time.Second, 10*time.Millisecond)

	code, body, hdr := h.do(t, http.MethodGet, "/assets/app.js", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "<h1>broken</h1>", body)
	assert.Contains(t, hdr.Get("Content-Type"), "text/html")

	// A synchronize clears the error.
	require.NoError(t, h.sup.SendEvent(appvisor.Synchronize{DistPath: dist}))
	assert.Eventually(t, func() bool {
		return h.status(t, "/") == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	h := startWorker(t, writeDist(t, "<p>hi</p>"),
		Default(Options{Username: "admin", PasswordHash: string(hash)})...)

	code, _, hdr := h.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Basic realm=Authorization Required", hdr.Get("WWW-Authenticate"))

	req, err := http.NewRequest(http.MethodGet, h.base+"/", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBasicAuthBadHash(t *testing.T) {
	_, err := appvisor.NewWorker(appvisor.WorkerConfig{
		Logger: log.New(io.Discard, "", 0),
		Stages: Default(Options{Username: "admin", PasswordHash: "plain"}),
	})
	var se *appvisor.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, NameBasicAuth, se.Name)
}

func TestCompression(t *testing.T) {
	h := startWorker(t, writeDist(t, "<html><body>hello</body></html>"),
		Default(Options{})...)
	_, _, hdr := h.do(t, http.MethodGet, "/",
		http.Header{"Accept-Encoding": {"gzip"}})
	assert.Equal(t, "gzip", hdr.Get("Content-Encoding"))

	_, body, hdr := h.do(t, http.MethodGet, "/", nil)
	assert.Empty(t, hdr.Get("Content-Encoding"))
	assert.Equal(t, "<html><body>hello</body></html>", body)
}

type routedRenderer struct {
	FileRenderer
}

func (r *routedRenderer) Render(req *http.Request) (*Result, error) {
	if req.URL.Query().Get("unknown") != "" {
		return nil, ErrUnrecognizedURL
	}
	return r.FileRenderer.Render(req)
}

func TestUnrecognizedURLFallsThrough(t *testing.T) {
	h := startWorker(t, writeDist(t, "<p>hi</p>"),
		Default(Options{Renderer: &routedRenderer{}})...)
	assert.Equal(t, http.StatusOK, h.status(t, "/"))
	assert.Equal(t, http.StatusNotFound, h.status(t, "/?unknown=1"))
}
