package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func runLogsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	follow := fs.Bool("f", false, "follow the live log stream")
	lines := fs.Int("n", 200, "number of recent lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	c, err := newClient(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *follow {
		return followLogs(ctx, c, *lines)
	}

	data, err := c.invoke(ctx, "get_logs", map[string]any{"lines": *lines})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logs: %v\n", err)
		return 1
	}
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		fmt.Fprintf(os.Stderr, "decode logs: %v\n", err)
		return 1
	}
	for _, line := range out.Lines {
		fmt.Println(line)
	}
	return 0
}

func followLogs(ctx context.Context, c *client, lines int) int {
	wsURL := fmt.Sprintf("%s/ws/logs?token=%s&lines=%d", c.baseURL, url.QueryEscape(c.token), lines)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect log stream: %v\n", err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var ev struct {
			Line   string `json:"line"`
			Replay bool   `json:"replay"`
		}
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return 0
			}
			fmt.Fprintf(os.Stderr, "log stream closed: %v\n", err)
			return 1
		}
		if ev.Replay {
			fmt.Println(colorize(ev.Line, styleDim))
		} else {
			fmt.Println(ev.Line)
		}
	}
}
