package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/go-keepalive/internal/config"
)

type taskRow struct {
	ID                  string     `json:"id"`
	AccountID           int64      `json:"external_account_id"`
	Credential          string     `json:"credential"`
	NotifyTarget        int64      `json:"notify_target"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at"`
	LastHeartbeatAt     *time.Time `json:"last_heartbeat_at"`
	NextRunAt           *time.Time `json:"next_run_at"`
}

func runTasksCommand(ctx context.Context, args []string, w io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return tasksCommand(ctx, newAPIClient(cfg), args, w)
}

func tasksCommand(ctx context.Context, c *apiClient, args []string, w io.Writer) int {
	action := "list"
	if len(args) > 0 && args[0] != "-json" && args[0] != "--json" {
		action, args = args[0], args[1:]
	}

	switch action {
	case "list", "ls":
		jsonOutput := len(args) == 1 && (args[0] == "-json" || args[0] == "--json")
		if len(args) > 0 && !jsonOutput {
			fmt.Fprintln(os.Stderr, "usage: keepalive tasks [list] [-json]")
			return 2
		}
		return listTasks(ctx, c, jsonOutput, w)
	case "add":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: keepalive tasks add <credential> <notify-target>")
			return 2
		}
		target, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid notify target %q\n", args[1])
			return 2
		}
		body, _ := json.Marshal(map[string]any{"credential": args[0], "notify_target": target})
		var out struct {
			ID string `json:"id"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/tasks", bytes.NewReader(body), &out); err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			return 1
		}
		fmt.Fprintln(w, out.ID)
		return 0
	case "rm", "delete":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: keepalive tasks rm <id>")
			return 2
		}
		if err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+args[0], nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "delete task: %v\n", err)
			return 1
		}
		fmt.Fprintf(w, "deleted %s\n", args[0])
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown tasks action %q\n", action)
		return 2
	}
}

func listTasks(ctx context.Context, c *apiClient, jsonOutput bool, w io.Writer) int {
	var resp struct {
		Tasks []taskRow `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return 1
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp.Tasks)
		return 0
	}
	if len(resp.Tasks) == 0 {
		fmt.Fprintln(w, "no live tasks")
		return 0
	}
	fmt.Fprintln(w, renderTaskTable(resp.Tasks, time.Now()))
	return 0
}

func renderTaskTable(tasks []taskRow, now time.Time) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	warnStyle := cellStyle.Foreground(lipgloss.Color("214"))

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			strconv.FormatInt(t.AccountID, 10),
			t.Credential,
			strconv.Itoa(t.ConsecutiveFailures),
			ago(t.LastHeartbeatAt, now),
			until(t.NextRunAt, now),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "ACCOUNT", "CREDENTIAL", "FAILS", "LAST OK", "NEXT RUN").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 && row >= 0 && row < len(tasks) && tasks[row].ConsecutiveFailures > 0 && colorOutput() {
				return warnStyle
			}
			return cellStyle
		})
	return tbl.String()
}

func ago(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return now.Sub(*t).Truncate(time.Second).String() + " ago"
}

func until(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	d := t.Sub(now).Truncate(time.Second)
	if d <= 0 {
		return "due"
	}
	return "in " + d.String()
}
