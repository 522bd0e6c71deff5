package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robunhq/robun/internal/cron"
)

// CronTool lets the LLM manage scheduled jobs: add, list, remove.
type CronTool struct {
	service *cron.Service
}

func NewCronTool(service *cron.Service) *CronTool {
	return &CronTool{service: service}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs. Actions: add (schedule a reminder or recurring task), list, remove."
}

func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "Operation to perform",
				"enum":        []string{"add", "list", "remove"},
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Job name (add)",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Message the agent receives when the job fires (add)",
			},
			"at": map[string]any{
				"type":        "string",
				"description": "One-shot fire time, RFC3339 (add)",
			},
			"every_seconds": map[string]any{
				"type":        "number",
				"description": "Recurring interval in seconds (add)",
			},
			"cron_expr": map[string]any{
				"type":        "string",
				"description": "Standard 5-field cron expression (add)",
			},
			"job_id": map[string]any{
				"type":        "string",
				"description": "Job id (remove)",
			},
			"include_disabled": map[string]any{
				"type":        "boolean",
				"description": "Include disabled jobs (list)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(ctx, args)
	case "list":
		includeDisabled, _ := args["include_disabled"].(bool)
		return t.list(includeDisabled)
	case "remove":
		id, _ := args["job_id"].(string)
		if id == "" {
			return "Error: job_id is required for remove", nil
		}
		if err := t.service.Remove(id); err != nil {
			return "Error: " + err.Error(), nil
		}
		return fmt.Sprintf("Removed job %s", id), nil
	default:
		return fmt.Sprintf("Error: unknown action %q", action), nil
	}
}

func (t *CronTool) add(ctx context.Context, args map[string]any) (string, error) {
	message, _ := args["message"].(string)
	if message == "" {
		return "Error: message is required for add", nil
	}
	name, _ := args["name"].(string)
	if name == "" {
		name = truncateLabel(message, 40)
	}

	sched, errMsg := scheduleFromArgs(args)
	if errMsg != "" {
		return errMsg, nil
	}

	cc := CallContextFrom(ctx)
	payload := cron.Payload{
		Kind:    "agent_turn",
		Message: message,
		Channel: cc.Channel,
		To:      cc.ChatID,
		Deliver: true,
	}

	job, err := t.service.Add(name, sched, payload, sched.Kind == "at")
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	when := "per schedule"
	if job.State.NextRunAtMs > 0 {
		when = time.UnixMilli(job.State.NextRunAtMs).UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Scheduled job '%s' (id=%s), next run: %s", job.Name, job.ID, when), nil
}

func (t *CronTool) list(includeDisabled bool) (string, error) {
	jobs := t.service.List(includeDisabled)
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scheduled jobs (%d):\n", len(jobs))
	for _, job := range jobs {
		next := "never"
		if job.State.NextRunAtMs > 0 {
			next = time.UnixMilli(job.State.NextRunAtMs).UTC().Format(time.RFC3339)
		}
		state := ""
		if !job.Enabled {
			state = " [disabled]"
		}
		fmt.Fprintf(&sb, "- %s (id=%s, %s)%s next run: %s\n", job.Name, job.ID, job.Schedule.Kind, state, next)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func scheduleFromArgs(args map[string]any) (cron.Schedule, string) {
	at, _ := args["at"].(string)
	every, hasEvery := args["every_seconds"].(float64)
	expr, _ := args["cron_expr"].(string)

	switch {
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Sprintf("Error: invalid at time (want RFC3339): %v", err)
		}
		return cron.Schedule{Kind: "at", AtMs: ts.UnixMilli()}, ""
	case hasEvery && every > 0:
		return cron.Schedule{Kind: "every", EveryMs: int64(every * 1000)}, ""
	case expr != "":
		return cron.Schedule{Kind: "cron", Expr: strings.TrimSpace(expr)}, ""
	}
	return cron.Schedule{}, "Error: provide one of at, every_seconds, or cron_expr"
}
