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

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type LogInfo struct {
	etag    string
	Records []LogRecord
}

type WorkersInfo struct {
	etag    string
	Workers []WorkerInfo
}

// Client talks to the control API of a running appvisord.  Results are
// cached by Etag, so that repeated Watch calls are cheap.
type Client struct {
	user      string // HTTP Basic-Auth
	pass      string
	base      string // URI to root of tree on server
	auth      bool
	client    *http.Client
	transport *http.Transport

	// Cached data
	cluster *ClusterInfo
	workers *WorkersInfo
	log     *LogInfo
	lock    sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(name string) string {
	return c.base + "/" + name
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, e := http.NewRequestWithContext(ctx, method, url, body)
	if e != nil {
		return nil, e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	return req, nil
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := c.newRequest(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", readError(res)
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) post(ctx context.Context, url string, in interface{}, out interface{}) error {
	b, e := json.Marshal(in)
	if e != nil {
		return e
	}
	req, e := c.newRequest(ctx, "POST", url, bytes.NewReader(b))
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", mimeJson)
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return readError(res)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

// readError prefers the server's own error message to the status line.
func readError(res *http.Response) error {
	e := &Error{}
	if json.NewDecoder(res.Body).Decode(e) != nil || e.Message == "" {
		return &Error{Code: res.StatusCode, Message: res.Status}
	}
	e.Code = res.StatusCode
	return e
}

func (c *Client) pollCluster(ctx context.Context, secs int, last *ClusterInfo) (*ClusterInfo, error) {
	c.lock.Lock()
	cached := c.cluster
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &ClusterInfo{}
	etag, e := c.poll(ctx, c.url("cluster"), otag, secs, v)
	if e != nil {
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.cluster = v
	c.lock.Unlock()
	return v, nil
}

// Cluster returns the current state of the pool.
func (c *Client) Cluster() (*ClusterInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.pollCluster(ctx, 0, nil)
}

// WatchCluster waits until the pool differs from last, or the server's
// poll time runs out, and returns the state at that point.
func (c *Client) WatchCluster(ctx context.Context, last *ClusterInfo) (*ClusterInfo, error) {
	return c.pollCluster(ctx, MaxPollTime, last)
}

func (c *Client) pollWorkers(ctx context.Context, secs int, last *WorkersInfo) (*WorkersInfo, error) {
	c.lock.Lock()
	cached := c.workers
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &WorkersInfo{}
	etag, e := c.poll(ctx, c.url("workers"), otag, secs, &v.Workers)
	if e != nil {
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.workers = v
	c.lock.Unlock()
	return v, nil
}

func (c *Client) Workers() (*WorkersInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.pollWorkers(ctx, 0, nil)
}

func (c *Client) WatchWorkers(ctx context.Context, last *WorkersInfo) (*WorkersInfo, error) {
	return c.pollWorkers(ctx, MaxPollTime, last)
}

func (c *Client) pollLog(ctx context.Context, secs int, last *LogInfo) (*LogInfo, error) {
	c.lock.Lock()
	cached := c.log
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &LogInfo{}
	etag, e := c.poll(ctx, c.url("log"), otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		c.log = nil
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.log = v
	c.lock.Unlock()
	return v, nil
}

func (c *Client) GetLog() (*LogInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.pollLog(ctx, 0, nil)
}

func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, MaxPollTime, last)
}

// Notify announces a new build to the supervisor's build source.  The
// accepted build, with its assigned ID, is returned.
func (c *Client) Notify(b BuildRequest) (*BuildRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &BuildRequest{}
	if e := c.post(ctx, c.url("builds"), &b, out); e != nil {
		return nil, e
	}
	return out, nil
}

// MasterError makes every worker answer with response until the next
// build is synchronized.  An empty response clears it.
func (c *Client) MasterError(response string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.post(ctx, c.url("master-error"), &MasterErrorRequest{Response: response}, nil)
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	c := &Client{
		transport: t,
		base:      baseURI,
		client:    &http.Client{Transport: t},
	}
	return c
}
