// Copyright 2026 The Procvisor Authors
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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client talks to a supervisor's control API.
type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	base   string // URI to root of tree on server
	auth   bool
	client *http.Client
	lock   sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.lock.Lock()
	c.user = user
	c.pass = pass
	c.auth = true
	c.lock.Unlock()
}

func (c *Client) url(name string) string {
	if name == "" {
		return c.base + "/groups"
	}
	return c.base + "/groups/" + url.PathEscape(name)
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader("")
	}
	req, e := http.NewRequestWithContext(ctx, method, url, body)
	if e != nil {
		return nil, e
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain") // we don't really care
	}
	c.lock.Lock()
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	c.lock.Unlock()
	return req, nil
}

// readError turns an unsuccessful response into an *Error, using the
// server's message when it sent one.
func readError(res *http.Response) error {
	e := &Error{Code: res.StatusCode, Message: res.Status}
	if b, err := io.ReadAll(io.LimitReader(res.Body, 64*1024)); err == nil {
		var se Error
		if json.Unmarshal(b, &se) == nil && se.Message != "" {
			e.Message = se.Message
		}
	}
	return e
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := c.newRequest(ctx, http.MethodGet, url)
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

func (c *Client) get(ctx context.Context, url string, v interface{}) error {
	_, e := c.poll(ctx, url, "", 0, v)
	return e
}

func (c *Client) post(ctx context.Context, url string) error {
	req, e := c.newRequest(ctx, http.MethodPost, url)
	if e != nil {
		return e
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return readError(res)
	}
	return nil
}

// Info returns top-level information about the supervisor.
func (c *Client) Info(ctx context.Context) (*SupervisorInfo, error) {
	info := &SupervisorInfo{}
	tag, e := c.poll(ctx, c.base+"/", "", 0, info)
	if e != nil {
		return nil, e
	}
	info.etag = tag
	return info, nil
}

// Watch waits for any change in supervisor state past etag, for up to
// secs seconds, and returns the current etag.  An empty etag returns the
// current one at once.
func (c *Client) Watch(ctx context.Context, etag string, secs int) (string, error) {
	info := &SupervisorInfo{}
	tag, e := c.poll(ctx, c.base+"/", etag, secs, info)
	if e != nil {
		return "", e
	}
	if tag == "" {
		return etag, nil
	}
	return tag, nil
}

// Groups returns the group names in configuration order.
func (c *Client) Groups(ctx context.Context) ([]string, error) {
	var v []string
	if e := c.get(ctx, c.url(""), &v); e != nil {
		return nil, e
	}
	return v, nil
}

// Status returns every group.
func (c *Client) Status(ctx context.Context) ([]*GroupInfo, error) {
	var v []*GroupInfo
	if e := c.get(ctx, c.base+"/status", &v); e != nil {
		return nil, e
	}
	return v, nil
}

// GetGroup returns the named group.
func (c *Client) GetGroup(ctx context.Context, name string) (*GroupInfo, error) {
	v := &GroupInfo{}
	if e := c.get(ctx, c.url(name), v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) postGroup(ctx context.Context, name string, action string) error {
	return c.post(ctx, c.url(name)+"/"+action)
}

func (c *Client) StartGroup(ctx context.Context, name string) error {
	return c.postGroup(ctx, name, "start")
}

func (c *Client) StopGroup(ctx context.Context, name string) error {
	return c.postGroup(ctx, name, "stop")
}

func (c *Client) RestartGroup(ctx context.Context, name string) error {
	return c.postGroup(ctx, name, "restart")
}

func (c *Client) StartAll(ctx context.Context) error {
	return c.post(ctx, c.base+"/start")
}

func (c *Client) StopAll(ctx context.Context) error {
	return c.post(ctx, c.base+"/stop")
}

func (c *Client) RestartAll(ctx context.Context) error {
	return c.post(ctx, c.base+"/restart")
}

// Shutdown asks the supervisor to stop every group and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, c.base+"/shutdown")
}

func (c *Client) logURL(name string) string {
	if name == "" {
		return c.base + "/log"
	}
	return c.url(name) + "/log"
}

func (c *Client) pollLog(ctx context.Context, name string, secs int, last *LogInfo) (*LogInfo, error) {
	v := &LogInfo{name: name}
	otag := ""
	if last == nil || last.name != name {
		secs = 0
	} else {
		otag = last.etag
	}
	etag, e := c.poll(ctx, c.logURL(name), otag, secs, &v.Records)
	if e != nil {
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	return v, nil
}

// GetLog returns the named group's log, or the supervisor log if name
// is empty.
func (c *Client) GetLog(ctx context.Context, name string) (*LogInfo, error) {
	return c.pollLog(ctx, name, 0, nil)
}

// WatchLog waits for the log to change past last, and returns it.  If
// nothing changed within secs seconds, last is returned.
func (c *Client) WatchLog(ctx context.Context, name string, last *LogInfo, secs int) (*LogInfo, error) {
	return c.pollLog(ctx, name, secs, last)
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Client{
		base:   strings.TrimSuffix(baseURI, "/"),
		client: &http.Client{Transport: t},
	}
}
