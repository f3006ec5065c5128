/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	sessionIDHeader = "X-Transmission-Session-Id"

	// ProcessedMarker is written into a torrent's downloadLimit field to
	// flag it as already consumed. Transmission treats downloadLimit as
	// meaningless while downloadLimited is unset, so the field is free for
	// reuse as a persistent marker instead of adding engine-side state.
	ProcessedMarker = 42

	rpcTimeout = 10 * time.Second
)

// TorrentStatus mirrors Transmission's numeric torrent status field.
type TorrentStatus int

const (
	StatusPaused TorrentStatus = iota
	StatusCheckWait
	StatusChecking
	StatusDownloadWait
	StatusDownloading
	StatusSeedWait
	StatusSeeding
)

func (s TorrentStatus) String() string {
	switch s {
	case StatusPaused:
		return "paused"
	case StatusCheckWait:
		return "check-wait"
	case StatusChecking:
		return "checking"
	case StatusDownloadWait:
		return "download-wait"
	case StatusDownloading:
		return "downloading"
	case StatusSeedWait:
		return "seed-wait"
	case StatusSeeding:
		return "seeding"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// FileEntry is a single file within a torrent, as reported by torrent-get
// when the files/fileStats fields are requested.
type FileEntry struct {
	Name     string
	Selected bool
}

// Torrent is the subset of Transmission's torrent object this daemon acts
// on.
type Torrent struct {
	Hash          string
	Name          string
	Status        TorrentStatus
	DownloadDir   string
	AddedDate     int64
	DoneDate      int64
	LeftUntilDone int64
	Wanted        []bool
	UploadRatio   float64
	DownloadLimit int64
	Files         []FileEntry
}

// Done reports whether every wanted file has finished downloading.
func (t *Torrent) Done() bool {
	if t.LeftUntilDone != 0 {
		return false
	}
	for _, w := range t.Wanted {
		if w {
			return true
		}
	}
	return false
}

// Processed reports whether SetProcessed has already been applied to this
// torrent.
func (t *Torrent) Processed() bool {
	return t.DownloadLimit == ProcessedMarker
}

// DoneTime returns the instant a finished torrent completed, falling back
// to AddedDate when the engine never recorded a doneDate.
func (t *Torrent) DoneTime() (time.Time, bool) {
	if !t.Done() {
		return time.Time{}, false
	}
	if t.DoneDate != 0 {
		return time.Unix(t.DoneDate, 0), true
	}
	return time.Unix(t.AddedDate, 0), true
}

// ErrorKind classifies an RPCError the way the control loop needs to react
// to it.
type ErrorKind int

const (
	ErrConnection ErrorKind = iota
	ErrInternal
	ErrProtocol
	ErrRPCGeneral
	ErrRPCTorrentNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConnection:
		return "connection"
	case ErrInternal:
		return "internal"
	case ErrProtocol:
		return "protocol"
	case ErrRPCGeneral:
		return "rpc"
	case ErrRPCTorrentNotFound:
		return "rpc-torrent-not-found"
	default:
		return "unknown"
	}
}

// RPCError wraps every failure the client can produce with the operation
// that triggered it and a classification for callers that need to react
// differently to, say, a dropped connection versus a missing torrent.
type RPCError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

func rpcErr(kind ErrorKind, op string, err error) *RPCError {
	return &RPCError{Kind: kind, Op: op, Err: err}
}

// RpcClient is what the controller and consumer need from an engine peer.
// *Client implements it; tests substitute a fake, the same way the
// teacher's task.go isolates itself behind its own RpcClient interface.
type RpcClient interface {
	GetTorrents() ([]Torrent, error)
	GetTorrent(hash string) (Torrent, error)
	Start(hash string) error
	Stop(hash string) error
	SetProcessed(hash string) error
	Remove(hash string) error
	IsManualMode() (bool, error)
	SetManualMode(enabled bool) error
}

// Client is a minimal Transmission-shaped JSON-RPC client: one endpoint,
// an optional username/password pair, and the session-id handshake
// Transmission requires of every client.
type Client struct {
	url        string
	user, pass string
	httpClient *http.Client

	sessionMu sync.RWMutex
	sessionID string
}

// NewClient builds a Client against the given RPC endpoint. user may be
// empty to skip HTTP basic auth.
func NewClient(url, user, pass string) *Client {
	return &Client{
		url:        url,
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: rpcTimeout},
	}
}

func (c *Client) getSessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.sessionID = id
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// doRequest executes a single RPC call, transparently retrying once on a
// 409 session-id challenge, and returns the decoded arguments object on
// success.
func (c *Client) doRequest(op, method string, args any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, rpcErr(ErrInternal, op, fmt.Errorf("encoding request: %w", err))
	}

	resp, err := c.post(op, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		sid := resp.Header.Get(sessionIDHeader)
		resp.Body.Close()
		if sid == "" {
			return nil, rpcErr(ErrProtocol, op, errors.New("409 response carried no session-id header"))
		}
		c.setSessionID(sid)

		resp, err = c.post(op, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode != http.StatusOK {
		return nil, rpcErr(ErrInternal, op, fmt.Errorf("unexpected HTTP status %s", resp.Status))
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return nil, rpcErr(ErrProtocol, op, fmt.Errorf("unexpected content-type %q", ct))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcErr(ErrConnection, op, unwrapDeepest(err))
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, rpcErr(ErrProtocol, op, fmt.Errorf("decoding response body: %w", err))
	}

	if rr.Result != "success" {
		if looksLikeTorrentNotFound(rr.Result) {
			return nil, rpcErr(ErrRPCTorrentNotFound, op, errors.New(rr.Result))
		}
		return nil, rpcErr(ErrRPCGeneral, op, errors.New(rr.Result))
	}

	if len(rr.Arguments) == 0 {
		return nil, rpcErr(ErrProtocol, op, errors.New("success response carried no arguments"))
	}
	return rr.Arguments, nil
}

func looksLikeTorrentNotFound(result string) bool {
	return strings.Contains(strings.ToLower(result), "no such torrent")
}

func (c *Client) post(op string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, rpcErr(ErrInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sid := c.getSessionID(); sid != "" {
		req.Header.Set(sessionIDHeader, sid)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, rpcErr(ErrConnection, op, unwrapDeepest(err))
	}
	return resp, nil
}

// unwrapDeepest walks a chain of wrapped errors (as net/http and its
// transport produce) down to the innermost cause, for clearer logging.
func unwrapDeepest(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

var torrentListFields = []string{
	"hashString", "name", "downloadDir", "status", "addedDate",
	"wanted", "leftUntilDone", "doneDate", "downloadLimit", "uploadRatio",
}

var torrentGetFields = append(append([]string{}, torrentListFields...), "files", "fileStats")

type wireFile struct {
	Name string `json:"name"`
}

type wireFileStat struct {
	Wanted bool `json:"wanted"`
}

type wireTorrent struct {
	HashString    string         `json:"hashString"`
	Name          string         `json:"name"`
	DownloadDir   string         `json:"downloadDir"`
	Status        int            `json:"status"`
	AddedDate     int64          `json:"addedDate"`
	Wanted        []bool         `json:"wanted"`
	LeftUntilDone int64          `json:"leftUntilDone"`
	DoneDate      int64          `json:"doneDate"`
	DownloadLimit int64          `json:"downloadLimit"`
	UploadRatio   float64        `json:"uploadRatio"`
	Files         []wireFile     `json:"files"`
	FileStats     []wireFileStat `json:"fileStats"`
}

func (w wireTorrent) toTorrent(op string) (Torrent, error) {
	t := Torrent{
		Hash:          w.HashString,
		Name:          w.Name,
		Status:        TorrentStatus(w.Status),
		DownloadDir:   w.DownloadDir,
		AddedDate:     w.AddedDate,
		DoneDate:      w.DoneDate,
		LeftUntilDone: w.LeftUntilDone,
		Wanted:        w.Wanted,
		DownloadLimit: w.DownloadLimit,
		UploadRatio:   w.UploadRatio,
	}
	if w.Files != nil || w.FileStats != nil {
		if len(w.Files) != len(w.FileStats) {
			return Torrent{}, rpcErr(ErrProtocol, op, fmt.Errorf(
				"files/fileStats length mismatch: %d vs %d", len(w.Files), len(w.FileStats)))
		}
		files := make([]FileEntry, len(w.Files))
		for i := range w.Files {
			files[i] = FileEntry{Name: w.Files[i].Name, Selected: w.FileStats[i].Wanted}
		}
		t.Files = files
	}
	return t, nil
}

// GetTorrents lists every torrent the engine knows about, without their
// per-file detail.
func (c *Client) GetTorrents() ([]Torrent, error) {
	raw, err := c.doRequest("torrent-get", "torrent-get", map[string]any{"fields": torrentListFields})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Torrents []wireTorrent `json:"torrents"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, rpcErr(ErrProtocol, "torrent-get", err)
	}
	out := make([]Torrent, 0, len(payload.Torrents))
	for _, w := range payload.Torrents {
		t, err := w.toTorrent("torrent-get")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTorrent fetches a single torrent including its per-file detail.
func (c *Client) GetTorrent(hash string) (Torrent, error) {
	args := map[string]any{"ids": []string{hash}, "fields": torrentGetFields}
	raw, err := c.doRequest("torrent-get", "torrent-get", args)
	if err != nil {
		return Torrent{}, err
	}
	var payload struct {
		Torrents []wireTorrent `json:"torrents"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Torrent{}, rpcErr(ErrProtocol, "torrent-get", err)
	}
	switch len(payload.Torrents) {
	case 0:
		return Torrent{}, rpcErr(ErrRPCTorrentNotFound, "torrent-get", fmt.Errorf("torrent %s not found", hash))
	case 1:
		return payload.Torrents[0].toTorrent("torrent-get")
	default:
		return Torrent{}, rpcErr(ErrProtocol, "torrent-get", fmt.Errorf(
			"expected exactly one torrent for hash %s, got %d", hash, len(payload.Torrents)))
	}
}

// Start resumes a paused torrent.
func (c *Client) Start(hash string) error {
	_, err := c.doRequest("torrent-start", "torrent-start", map[string]any{"ids": []string{hash}})
	return err
}

// Stop pauses a running torrent.
func (c *Client) Stop(hash string) error {
	_, err := c.doRequest("torrent-stop", "torrent-stop", map[string]any{"ids": []string{hash}})
	return err
}

// SetProcessed marks a torrent as consumed by writing ProcessedMarker into
// its downloadLimit field.
func (c *Client) SetProcessed(hash string) error {
	args := map[string]any{"ids": []string{hash}, "downloadLimit": ProcessedMarker}
	_, err := c.doRequest("torrent-set", "torrent-set", args)
	return err
}

// Remove deletes a torrent and its local data.
func (c *Client) Remove(hash string) error {
	args := map[string]any{"ids": []string{hash}, "delete-local-data": true}
	_, err := c.doRequest("torrent-remove", "torrent-remove", args)
	return err
}

// IsManualMode reports whether the engine's alt-speed toggle (reused as a
// manual-override flag per §3) is currently engaged.
func (c *Client) IsManualMode() (bool, error) {
	raw, err := c.doRequest("session-get", "session-get", nil)
	if err != nil {
		return false, err
	}
	var payload struct {
		AltSpeedEnabled bool `json:"alt-speed-enabled"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, rpcErr(ErrProtocol, "session-get", err)
	}
	return payload.AltSpeedEnabled, nil
}

// SetManualMode engages or clears the manual-override flag.
func (c *Client) SetManualMode(enabled bool) error {
	_, err := c.doRequest("session-set", "session-set", map[string]any{"alt-speed-enabled": enabled})
	return err
}
