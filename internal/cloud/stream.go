// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// STREAMING: Robust SSE parsing with error handling

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

const (
	// MaxFrameSize is the maximum allowed size for a single SSE line (64KB).
	MaxFrameSize = 64 * 1024

	// DoneSentinel is the data payload that ends a stream.
	DoneSentinel = "[DONE]"

	readBufferSize = 4096
)

// ErrFrameTooLarge is returned when a single line exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("stream frame exceeds maximum size")

// =============================================================================
// SINK
// =============================================================================

// Sink receives the decoded stream. Delta methods are called in arrival
// order; exactly one of OnComplete or OnError ends every stream.
type Sink interface {
	OnContent(text string)
	OnReasoning(text string)
	OnToolCalls(calls []ToolCall)
	OnComplete()
	OnError(message string)
}

// =============================================================================
// FRAME DECODER
// =============================================================================

// Frame is the payload of one "data:" line.
type Frame struct {
	Data string
}

// IsDone reports whether the frame is the end-of-stream sentinel.
func (f Frame) IsDone() bool {
	return f.Data == DoneSentinel
}

// FrameDecoder turns arbitrarily split reads into complete data lines. The
// trailing partial line of each read is held back and prepended to the next
// one, so a frame (or a multi-byte rune) cut by the network is reassembled
// before it is decoded.
type FrameDecoder struct {
	pending []byte
}

// NewFrameDecoder returns an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends chunk and returns the data frames of every line it completed.
func (d *FrameDecoder) Feed(chunk []byte) ([]Frame, error) {
	d.pending = append(d.pending, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		if f, ok := parseLine(d.pending[:i]); ok {
			frames = append(frames, f)
		}
		d.pending = d.pending[i+1:]
	}

	if len(d.pending) > MaxFrameSize {
		return frames, ErrFrameTooLarge
	}
	// Compact so the held-back fragment does not pin the whole history.
	if cap(d.pending) > 2*MaxFrameSize {
		d.pending = append([]byte(nil), d.pending...)
	}
	return frames, nil
}

// Flush returns the frame held in an unterminated final line, if any.
func (d *FrameDecoder) Flush() []Frame {
	line := d.pending
	d.pending = nil
	if f, ok := parseLine(line); ok {
		return []Frame{f}
	}
	return nil
}

// parseLine extracts the payload of a "data:" line. Other SSE fields
// (event:, id:, retry:) and comments are ignored.
func parseLine(line []byte) (Frame, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return Frame{}, false
	}
	data := strings.TrimSpace(string(line[len("data:"):]))
	if data == "" {
		return Frame{}, false
	}
	return Frame{Data: data}, true
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// Stream performs a streaming chat completion and forwards every delta to
// sink. It always ends the stream on sink with exactly one terminal call
// and also returns the error that produced OnError, if any.
func (c *Client) Stream(ctx context.Context, body ChatRequest, sink Sink) error {
	err := c.stream(ctx, body, sink)
	if err != nil {
		sink.OnError(err.Error())
		return err
	}
	sink.OnComplete()
	return nil
}

func (c *Client) stream(ctx context.Context, body ChatRequest, sink Sink) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	body.Stream = true

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.logger.Debug("stream request",
		zap.String("model", body.Model),
		zap.Int("messages", len(body.Messages)),
		zap.Int("tools", len(body.Tools)),
		zap.String("key", c.KeyFingerprint()))

	start := time.Now()
	// PERFORMANCE: Use shared streaming client with connection pooling (timeout handled via context)
	resp, err := c.streamClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rawBody, _ := readResponse(resp)
		return handleErrorResponse(resp.StatusCode, rawBody)
	}

	frames, err := c.processStream(ctx, resp.Body, sink)
	c.logger.Debug("stream finished",
		zap.Int("frames", frames),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return err
}

// processStream reads the body until the sentinel or EOF, dispatching each
// frame as soon as its line is complete. It returns the number of frames
// seen.
func (c *Client) processStream(ctx context.Context, body io.Reader, sink Sink) (int, error) {
	decoder := NewFrameDecoder()
	buf := make([]byte, readBufferSize)
	count := 0

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			frames, err := decoder.Feed(buf[:n])
			for _, f := range frames {
				count++
				if f.IsDone() {
					return count, nil
				}
				c.dispatchFrame(f, sink)
			}
			if err != nil {
				return count, err
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				for _, f := range decoder.Flush() {
					count++
					if f.IsDone() {
						return count, nil
					}
					c.dispatchFrame(f, sink)
				}
				return count, nil
			}
			return count, fmt.Errorf("stream read failed: %w", readErr)
		}
	}
}

// dispatchFrame decodes one frame and forwards each delta kind it carries.
// Malformed frames are skipped; the stream continues.
func (c *Client) dispatchFrame(f Frame, sink Sink) {
	var frame streamFrame
	if err := json.Unmarshal([]byte(f.Data), &frame); err != nil {
		c.logger.Warn("skipping malformed stream frame",
			zap.Int("bytes", len(f.Data)), zap.Error(err))
		return
	}
	if len(frame.Choices) == 0 {
		return
	}

	delta := frame.Choices[0].Delta
	if delta.Content != nil && *delta.Content != "" {
		sink.OnContent(*delta.Content)
	}
	if delta.ReasoningContent != nil && *delta.ReasoningContent != "" {
		sink.OnReasoning(*delta.ReasoningContent)
	}
	if len(delta.ToolCalls) > 0 {
		sink.OnToolCalls(delta.ToolCalls)
	}
}
