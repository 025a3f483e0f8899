package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/onexay/notepub/internal/importer"
	"github.com/onexay/notepub/internal/service"
	"github.com/onexay/notepub/internal/types"
)

const (
	defaultAPI = "http://127.0.0.1:8787"
)

const usageText = `usage: admin [-api URL] [-json] <command> [args]

commands:
  targets                      list publish targets
  import                       re-run the bulk target import
  publish [-wait] TARGET KEY   publish the post KEY (note.md#n) to TARGET
  job ID                       show a publish job
  posts NOTE                   list post blocks in a note
  preview KEY                  render a post as HTML
`

type client struct {
	base     string
	dumpJSON bool
	http     *http.Client
}

func main() {
	api := flag.String("api", envDefault("NOTEPUB_API", defaultAPI), "Base URL of the notepub API")
	dumpJSON := flag.Bool("json", false, "Output JSON instead of table")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: strings.TrimRight(*api, "/") + "/api/v1", dumpJSON: *dumpJSON, http: http.DefaultClient}
	args := flag.Args()[1:]

	var err error
	switch flag.Arg(0) {
	case "targets":
		err = c.targets()
	case "import":
		err = c.importTargets()
	case "publish":
		err = c.publish(args)
	case "job":
		err = c.job(args)
	case "posts":
		err = c.posts(args)
	case "preview":
		err = c.preview(args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *client) targets() error {
	var resp struct {
		Targets []types.PublishTarget `json:"targets"`
	}
	if err := c.call(http.MethodGet, "/targets", nil, &resp); err != nil {
		return err
	}
	if c.dumpJSON {
		return printJSON(resp.Targets)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tName\tRepo\tBranch\tPath\tFormat\tDeploy\n")
	for _, t := range resp.Targets {
		deployment := "-"
		if t.Deployment != nil {
			deployment = string(t.Deployment.Provider)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Name, t.GitHub.Repo, t.GitHub.Branch, t.Content.Path, t.Content.Format, deployment)
	}
	return tw.Flush()
}

func (c *client) importTargets() error {
	var summary importer.Summary
	if err := c.call(http.MethodPost, "/import", nil, &summary); err != nil {
		return err
	}
	if c.dumpJSON {
		return printJSON(summary)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Outcome\tGroup\tDetail\n")
	for _, name := range summary.Imported {
		fmt.Fprintf(tw, "imported\t\t%s\n", name)
	}
	for _, s := range summary.Skipped {
		fmt.Fprintf(tw, "skipped\t%d\t%s\n", s.Group, s.Reason)
	}
	for _, e := range summary.Errors {
		for _, msg := range e.Messages {
			fmt.Fprintf(tw, "error\t%d\t%s\n", e.Group, msg)
		}
	}
	return tw.Flush()
}

func (c *client) publish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	wait := fs.Bool("wait", false, "Follow the job until it finishes")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("publish needs TARGET and KEY")
	}

	var resp struct {
		JobID string `json:"jobId"`
	}
	body := map[string]string{"targetId": fs.Arg(0), "postKey": fs.Arg(1)}
	if err := c.call(http.MethodPost, "/publish", body, &resp); err != nil {
		return err
	}
	if !*wait {
		if c.dumpJSON {
			return printJSON(resp)
		}
		fmt.Println(resp.JobID)
		return nil
	}
	return c.follow(resp.JobID)
}

// follow prints each state change of a job from its event stream.
func (c *client) follow(jobID string) error {
	resp, err := c.http.Get(c.base + "/jobs/" + url.PathEscape(jobID) + "/events")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeFailure(resp)
	}

	var last types.PublishJob
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var evt struct {
			Job types.PublishJob `json:"job"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if c.dumpJSON {
			_ = printJSON(evt.Job)
		} else if evt.Job.Status != last.Status {
			fmt.Printf("%3d%%  %s\n", evt.Job.Progress, evt.Job.Status)
		}
		last = evt.Job
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if !c.dumpJSON {
		printJob(last)
	}
	if last.Status == types.JobFailed {
		return errors.New("publish failed")
	}
	return nil
}

func (c *client) job(args []string) error {
	if len(args) != 1 {
		return errors.New("job needs an ID")
	}
	var resp struct {
		Job types.PublishJob `json:"job"`
	}
	if err := c.call(http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &resp); err != nil {
		return err
	}
	if c.dumpJSON {
		return printJSON(resp.Job)
	}
	printJob(resp.Job)
	return nil
}

func printJob(job types.PublishJob) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Job\t%s\n", job.ID)
	fmt.Fprintf(tw, "Status\t%s (%d%%)\n", job.Status, job.Progress)
	if job.Path != "" {
		fmt.Fprintf(tw, "Path\t%s\n", job.Path)
	}
	if job.CommitHash != "" {
		fmt.Fprintf(tw, "Commit\t%s\n", job.CommitHash)
	}
	if job.URL != "" {
		fmt.Fprintf(tw, "URL\t%s\n", job.URL)
	}
	if job.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", job.Error)
	}
	fmt.Fprintf(tw, "\nStep\tStatus\tMessage\n")
	for _, s := range job.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Status, s.Message)
	}
	_ = tw.Flush()
}

func (c *client) posts(args []string) error {
	if len(args) != 1 {
		return errors.New("posts needs a NOTE path")
	}
	var resp struct {
		Posts []service.PostEntry `json:"posts"`
	}
	if err := c.call(http.MethodGet, "/posts?"+url.Values{"note": {args[0]}}.Encode(), nil, &resp); err != nil {
		return err
	}
	if c.dumpJSON {
		return printJSON(resp.Posts)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Key\tLine\tSyntax\tSlug\tTitle\n")
	for _, p := range resp.Posts {
		if p.Draft == nil {
			fmt.Fprintf(tw, "%s\t%d\t%s\t-\tinvalid: %s\n", p.Key, p.StartLine, p.Syntax, p.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", p.Key, p.StartLine, p.Syntax, p.Draft.Slug, p.Draft.Title)
	}
	return tw.Flush()
}

func (c *client) preview(args []string) error {
	if len(args) != 1 {
		return errors.New("preview needs a KEY")
	}
	var resp service.PreviewResult
	if err := c.call(http.MethodGet, "/preview?"+url.Values{"postKey": {args[0]}}.Encode(), nil, &resp); err != nil {
		return err
	}
	if c.dumpJSON {
		return printJSON(resp)
	}
	fmt.Println(resp.HTML)
	return nil
}

// call sends a request and decodes the success envelope into out.
func (c *client) call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeFailure(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeFailure(resp *http.Response) error {
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Error == "" {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return fmt.Errorf("request failed: %s: %s", resp.Status, failure.Error)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
