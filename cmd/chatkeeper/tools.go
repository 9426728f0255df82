package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/youssefsiam38/chatkeeper/tool"
)

// builtinTools are registered on every chat.
func builtinTools() []tool.Tool {
	return []tool.Tool{currentTimeTool()}
}

func currentTimeTool() tool.Tool {
	return tool.NewFuncTool(
		"current_time",
		"Get the current date and time, optionally in an IANA time zone such as Europe/Berlin",
		tool.ToolSchema{
			Type: "object",
			Properties: map[string]tool.PropertyDef{
				"timezone": {
					Type:        "string",
					Description: "IANA time zone name; defaults to UTC",
				},
			},
		},
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct {
				Timezone string `json:"timezone"`
			}
			if len(input) > 0 {
				if err := json.Unmarshal(input, &params); err != nil {
					return "", fmt.Errorf("invalid input: %w", err)
				}
			}
			return currentTime(time.Now(), params.Timezone)
		},
	)
}

func currentTime(now time.Time, timezone string) (string, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return "", fmt.Errorf("unknown time zone %q", timezone)
		}
	}
	return now.In(loc).Format(time.RFC1123), nil
}
