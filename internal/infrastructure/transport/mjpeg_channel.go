package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"labstream/internal/core/domain"
	"labstream/internal/core/ports"

	"go.uber.org/zap"
)

// MJPEGFactory opens the fallback transport: a single long-lived HTTP
// request serving a multipart/x-mixed-replace JPEG stream. Used where
// WebSockets are unavailable.
type MJPEGFactory struct {
	BaseURL string // http:// or https:// base, without path
	Token   string
	Client  *http.Client

	logger *zap.SugaredLogger
}

func NewMJPEGFactory(baseURL, token string, logger *zap.Logger) *MJPEGFactory {
	return &MJPEGFactory{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{}, // no overall timeout: the body is a stream
		logger:  logger.Sugar(),
	}
}

func (f *MJPEGFactory) Open(ctx context.Context, p ports.ChannelParams, handler ports.EventHandler) (ports.FrameChannel, error) {
	endpoint := fmt.Sprintf("%s/streaming/mjpeg/%s?quality=%s", f.BaseURL, p.SessionID, p.Quality)

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "multipart/x-mixed-replace")
	req.Header.Set("Cache-Control", "no-cache")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mjpeg connect failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg connect: bad status %s", resp.Status)
	}

	mediaType, mtParams, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || mtParams["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	ch := &mjpegChannel{
		body:    resp.Body,
		cancel:  cancel,
		params:  p,
		handler: handler,
		logger:  f.logger,
		done:    make(chan struct{}),
	}

	// Headers validated: the image load succeeded.
	handler(ports.ChannelEvent{Kind: ports.EventConnected})

	go ch.readLoop(multipart.NewReader(resp.Body, mtParams["boundary"]))

	return ch, nil
}

type mjpegChannel struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	params  ports.ChannelParams
	handler ports.EventHandler
	logger  *zap.SugaredLogger

	closeOnce sync.Once
	done      chan struct{}
	sequence  uint64
}

func (c *mjpegChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.body.Close()
	})
	return nil
}

func (c *mjpegChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *mjpegChannel) readLoop(mr *multipart.Reader) {
	buf := new(bytes.Buffer)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			if !c.closed() {
				c.handler(ports.ChannelEvent{Kind: ports.EventClosed})
			}
			return
		}
		if err != nil {
			if !c.closed() {
				c.handler(ports.ChannelEvent{Kind: ports.EventClosed, Err: err})
			}
			return
		}

		buf.Reset()
		_, err = io.Copy(buf, part)
		part.Close()
		if err != nil {
			if c.closed() {
				return
			}
			c.logger.Warnw("dropping unreadable mjpeg part",
				"session_id", c.params.SessionID, "error", err)
			continue
		}

		if c.closed() {
			return
		}

		c.sequence++
		payload := make([]byte, buf.Len())
		copy(payload, buf.Bytes())
		c.handler(ports.ChannelEvent{Kind: ports.EventFrame, Frame: &domain.Frame{
			SessionID:  c.params.SessionID,
			ReceivedAt: time.Now(),
			Payload:    payload,
			Sequence:   c.sequence,
		}})
	}
}
