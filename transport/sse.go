package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Event is a single Server-Sent Event.
type Event struct {
	ID    string
	Type  string
	Data  string
	Retry int
}

// Stream opens a persistent event stream at url and invokes onEvent for
// every complete frame. Frames whose data payload is present but not
// usable by the caller are the caller's concern; framing errors here
// (stray fields, comments) are skipped and the stream continues.
// Stream returns nil at end of stream, or the read error that broke it.
// A non-2xx response fails immediately without invoking onEvent.
func (c *Client) Stream(ctx context.Context, url string, header http.Header, body []byte, onEvent func(Event) error) error {
	resp, err := c.do(ctx, url, header, body)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("stream status %s: %s", resp.Status, truncateBody(payload))
	}

	return readSSE(ctx, resp.Body, onEvent)
}

// readSSE parses event framing incrementally: "field: value" lines
// accumulate into an Event, a blank line flushes it. Comment lines
// (leading ':') and unknown fields are ignored, so one malformed frame
// never aborts the stream.
func readSSE(ctx context.Context, r io.Reader, onEvent func(Event) error) error {
	reader := bufio.NewReader(r)
	var evt Event
	var dataBuf strings.Builder
	hasData := false

	flush := func() error {
		if !hasData && evt.ID == "" && evt.Type == "" && evt.Retry == 0 {
			return nil
		}
		evt.Data = dataBuf.String()
		err := onEvent(evt)
		evt = Event{}
		dataBuf.Reset()
		hasData = false
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
			// comment, ignore
		default:
			field, value := line, ""
			if idx := strings.IndexByte(line, ':'); idx >= 0 {
				field = line[:idx]
				value = strings.TrimPrefix(line[idx+1:], " ")
			}
			switch field {
			case "id":
				evt.ID = value
			case "event":
				evt.Type = value
			case "retry":
				if n, convErr := strconv.Atoi(value); convErr == nil {
					evt.Retry = n
				}
			case "data":
				if hasData {
					dataBuf.WriteByte('\n')
				}
				dataBuf.WriteString(value)
				hasData = true
			}
		}

		if err != nil {
			if ferr := flush(); ferr != nil {
				return ferr
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
