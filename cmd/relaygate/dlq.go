package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/relaygate/internal/api"
)

// apiClient talks to the internal API with an operator token.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// apiFlags registers the flags shared by commands that call the internal API.
type apiFlags struct {
	configPath string
	url        string
	token      string
}

func (f *apiFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to configuration (used to find api.listen)")
	fs.StringVar(&f.url, "url", "", "Internal API base URL (default http://<api.listen>)")
	fs.StringVar(&f.token, "token", "", "API token (default $RELAYGATE_TOKEN)")
}

func (f *apiFlags) client() (*apiClient, error) {
	token := f.token
	if token == "" {
		token = os.Getenv("RELAYGATE_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: pass --token or set RELAYGATE_TOKEN")
	}

	base := f.url
	if base == "" {
		cfg, err := loadConfig(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("resolve api url: %w", err)
		}
		base = baseURLForListen(cfg.API.Listen)
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// baseURLForListen turns a listen address into a URL a local client can dial.
func baseURLForListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Message != "" {
				return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, apiErr.Error, apiErr.Message)
			}
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runDLQList(args []string) int {
	var af apiFlags
	var limit int
	var jsonOut bool

	fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
	af.register(fs)
	fs.IntVar(&limit, "limit", 50, "Maximum entries to list")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	client, err := af.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var list api.DeadLetterList
	if err := client.do(context.Background(), http.MethodGet, "/dlq?limit="+strconv.Itoa(limit), nil, &list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOut {
		out, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(out))
		return 0
	}
	if len(list.Items) == 0 {
		fmt.Println("No dead-lettered deliveries.")
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tDELIVERY\tEVENT\tRESOURCE\tREASON\tUPDATED")
	for _, d := range list.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Provider, d.DeliveryID, d.EventType, orDash(d.ResourceID), d.Reason,
			d.UpdatedAt.UTC().Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

func runDLQReplay(args []string) int {
	var af apiFlags
	var jsonOut bool

	fs := flag.NewFlagSet("dlq replay", flag.ContinueOnError)
	af.register(fs)
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	ids := fs.Args()
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one delivery id is required")
		return 1
	}

	client, err := af.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var resp api.ReplayResponse
	if err := client.do(context.Background(), http.MethodPost, "/dlq/replay", api.ReplayRequest{IDs: ids}, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOut {
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
	} else {
		for _, r := range resp.Results {
			line := fmt.Sprintf("%s %s", r.ID, r.Outcome)
			if r.Error != "" {
				line += ": " + r.Error
			}
			fmt.Println(line)
		}
	}

	// Any id that was not replayed makes the command fail so scripts notice.
	for _, r := range resp.Results {
		if r.Outcome != "replayed" {
			return 1
		}
	}
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
