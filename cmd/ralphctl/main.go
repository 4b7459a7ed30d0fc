// Package main is ralphctl, the operator CLI for a running ralph-runner.
// It talks to the runner's HTTP API; it never touches the state file.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

const defaultBaseURL = "http://127.0.0.1:7180"

func main() {
	baseURL := flag.String("server", envOr("RALPH_SERVER", defaultBaseURL), "runner API base URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{base: *baseURL, http: &http.Client{Timeout: 10 * time.Second}}

	var err error
	switch args[0] {
	case "status":
		err = c.status()
	case "list":
		err = c.list(len(args) > 1 && args[1] == "--archived")
	case "get":
		err = requireArg(args, 1, "execution id", func(id string) error { return c.get(id) })
	case "enqueue":
		err = requireArg(args, 1, "PRD path", func(path string) error { return c.enqueue(path, args[2:]) })
	case "retry":
		err = requireArg(args, 1, "execution id", func(id string) error { return c.post("/executions/" + id + "/retry") })
	case "stop":
		err = requireArg(args, 1, "execution id", func(id string) error { return c.post("/executions/" + id + "/stop") })
	case "archive":
		err = requireArg(args, 1, "execution id", func(id string) error { return c.post("/executions/" + id + "/archive") })
	case "concurrency":
		err = requireArg(args, 1, "max concurrency", func(n string) error { return c.setConcurrency(n, args[2:]) })
	case "merge-queue":
		err = c.mergeQueue()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: ralphctl [--server URL] COMMAND

Commands:
  status                     scheduler snapshot
  list [--archived]          list executions
  get ID                     one execution with its stories
  enqueue PRD [branch prio]  register a PRD for execution
  retry ID                   requeue a terminal execution
  stop ID                    stop a non-terminal execution
  archive ID                 archive a terminal execution
  concurrency N [reason]     set the stored max concurrency
  merge-queue                list the merge queue
`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireArg(args []string, idx int, name string, fn func(string) error) error {
	if len(args) <= idx {
		return fmt.Errorf("%s is required", name)
	}
	return fn(args[idx])
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+"/api/v1/runner"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) status() error {
	var st v1.SchedulerStatus
	if err := c.do(http.MethodGet, "/scheduler", nil, &st); err != nil {
		return err
	}
	fmt.Printf("running:      %v\n", st.Running)
	fmt.Printf("paused:       %v\n", st.Paused)
	fmt.Printf("active:       %d / %d\n", st.GlobalActive, st.EffectiveConcurrency)
	fmt.Printf("ready:        %d\n", st.ReadyCount)
	fmt.Printf("pending:      %d\n", st.PendingCount)
	fmt.Printf("launched:     %d\n", st.TotalLaunched)
	fmt.Printf("failed:       %d\n", st.TotalFailed)
	if len(st.ActiveLaunches) > 0 {
		fmt.Printf("launching:    %v\n", st.ActiveLaunches)
	}
	return nil
}

func (c *client) list(archived bool) error {
	path := "/executions"
	if archived {
		path = "/executions/archived"
	}
	var resp struct {
		Executions []*v1.Execution `json:"executions"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBRANCH\tSTATUS\tPRIORITY\tHEALTH\tUPDATED")
	for _, e := range resp.Executions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(e.ID), e.Branch, e.Status, e.Priority, e.HealthStatus,
			e.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func (c *client) get(id string) error {
	var resp struct {
		Execution   *v1.Execution   `json:"execution"`
		UserStories []*v1.UserStory `json:"user_stories"`
	}
	if err := c.do(http.MethodGet, "/executions/"+id, nil, &resp); err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (c *client) enqueue(prdPath string, rest []string) error {
	req := map[string]string{"prd_path": prdPath}
	if len(rest) > 0 {
		req["branch"] = rest[0]
	}
	if len(rest) > 1 {
		req["priority"] = rest[1]
	}
	var exec v1.Execution
	if err := c.do(http.MethodPost, "/executions", req, &exec); err != nil {
		return err
	}
	fmt.Printf("enqueued %s on %s (%s)\n", shortID(exec.ID), exec.Branch, exec.Status)
	return nil
}

func (c *client) post(path string) error {
	var exec v1.Execution
	if err := c.do(http.MethodPost, path, nil, &exec); err != nil {
		return err
	}
	if exec.ID != "" {
		fmt.Printf("%s is now %s\n", shortID(exec.ID), exec.Status)
	} else {
		fmt.Println("ok")
	}
	return nil
}

func (c *client) setConcurrency(nStr string, rest []string) error {
	n, err := strconv.Atoi(nStr)
	if err != nil {
		return fmt.Errorf("max concurrency must be a number: %w", err)
	}
	req := v1.SetConcurrencyRequest{MaxConcurrency: n}
	if len(rest) > 0 {
		req.Reason = rest[0]
	}
	var cfg v1.RunnerConfig
	if err := c.do(http.MethodPut, "/config/concurrency", req, &cfg); err != nil {
		return err
	}
	fmt.Printf("max concurrency set to %d\n", cfg.MaxConcurrency)
	return nil
}

func (c *client) mergeQueue() error {
	var resp struct {
		Items []*v1.MergeQueueItem `json:"items"`
	}
	if err := c.do(http.MethodGet, "/merge-queue", nil, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tEXECUTION\tSTATUS\tQUEUED")
	for _, item := range resp.Items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			item.Position, shortID(item.ExecutionID), item.Status,
			item.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
