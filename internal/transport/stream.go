package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Stream executes req and yields each non-blank newline-delimited record of
// the response body as it arrives. A trailing record without a newline is
// flushed when the body ends. A zero Timeout means no deadline.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if req.Timeout == 0 {
			req.Timeout = NoTimeout
		}
		if req.Header == nil || req.Header.Get("Accept") == "" {
			req.Header = req.Header.Clone()
			if req.Header == nil {
				req.Header = make(map[string][]string)
			}
			req.Header.Set("Accept", "application/x-ndjson, text/event-stream, */*")
		}
		resp, err := c.Do(ctx, req)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			yield("", newAPIError(resp))
			return
		}
		for line, err := range Lines(resp.Body) {
			if !yield(line, err) || err != nil {
				return
			}
		}
	}
}

// Lines splits r into newline-delimited records, skipping blank ones and
// stripping the line terminator. Records of any length are supported.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if rec := strings.TrimRight(line, "\r\n"); strings.TrimSpace(rec) != "" {
				if !yield(rec, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("read stream: %w", err))
				return
			}
		}
	}
}
