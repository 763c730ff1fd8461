package tools

import (
	"context"
	"time"
)

const TimeToolName = "GetCurrentTime"

// TimeTool reports the current wall-clock time as HH:MM:SS.
type TimeTool struct {
	now func() time.Time
}

func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (t *TimeTool) Name() string { return TimeToolName }

func (t *TimeTool) Description() string {
	return "Returns the current time (HH:MM:SS). Optionally takes an IANA timezone such as Europe/Istanbul."
}

func (t *TimeTool) Parameters() []Parameter {
	return []Parameter{{Name: "timezone", Type: TypeString, Description: "Optional IANA timezone name."}}
}

func (t *TimeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	now := t.now()
	if tz := StringArg(args, "timezone"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "Error: unknown timezone " + tz, nil
		}
		now = now.In(loc)
	}
	return now.Format("15:04:05"), nil
}
