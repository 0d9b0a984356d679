/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acronis/go-webqueue/restclient"
	"github.com/acronis/go-webqueue/webrequest"
)

type requestFlags struct {
	method   string
	data     string
	priority string
	retries  int
	timeout  time.Duration
	accept   string
	headers  []string
	verbose  bool
}

func buildGetCommand(flags *globalFlags) *cobra.Command {
	rf := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Send a single request and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGet(ctx, cmd.OutOrStdout(), flags, rf, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&rf.method, "method", "X", http.MethodGet, "HTTP method")
	f.StringVarP(&rf.data, "data", "d", "", "request body, sent as JSON when it is a valid JSON document")
	f.StringVar(&rf.priority, "priority", "", "request priority: dont-care, low, normal, high or critical")
	f.IntVar(&rf.retries, "retries", 0, "number of counted retries")
	f.DurationVar(&rf.timeout, "timeout", 0, "timeout of a single attempt")
	f.StringVar(&rf.accept, "accept", "", "expected response type: json or a MIME type")
	f.StringArrayVarP(&rf.headers, "header", "H", nil, "request header in \"Name: value\" format, may be repeated")
	f.BoolVarP(&rf.verbose, "verbose", "v", false, "print the status line and response headers")

	return cmd
}

func runGet(ctx context.Context, out io.Writer, flags *globalFlags, rf *requestFlags, target string) error {
	headers, err := parseHeaders(rf.headers)
	if err != nil {
		return err
	}
	callOpts, err := rf.callOptions()
	if err != nil {
		return err
	}

	a, err := newApp(flags, headerHooks{headers: headers})
	if err != nil {
		return err
	}
	defer a.close()

	if a.waitReady > 0 {
		if err = waitForHost(ctx, a.transport.Client(), target, a.waitReady, a.logger); err != nil {
			return err
		}
	}

	resp, err := a.client.Do(ctx, strings.ToUpper(rf.method), target, requestPayload(rf.data), callOpts)
	if err != nil {
		return err
	}
	if rf.verbose {
		printResponseHead(out, resp)
	}
	return printBody(out, resp.Body)
}

func (rf *requestFlags) callOptions() (*restclient.CallOptions, error) {
	priority, err := parsePriority(rf.priority)
	if err != nil {
		return nil, err
	}
	if rf.retries < 0 {
		return nil, fmt.Errorf("retries should be >= 0")
	}
	if rf.timeout < 0 {
		return nil, fmt.Errorf("timeout should be positive")
	}
	return &restclient.CallOptions{
		ExcludeEndpointURL: true,
		Options: webrequest.Options{
			Retries:    rf.retries,
			Priority:   priority,
			Timeout:    rf.timeout,
			AcceptType: rf.accept,
		},
	}, nil
}

// requestPayload sends valid JSON documents as decoded values so they are encoded as JSON again.
func requestPayload(data string) any {
	if data == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err == nil {
		if _, isString := v.(string); !isString {
			return v
		}
	}
	return data
}

func printResponseHead(out io.Writer, resp *webrequest.Response) {
	_, _ = fmt.Fprintf(out, "%d %s\n", resp.StatusCode, resp.StatusText)
	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(out, "%s: %s\n", k, resp.Headers[k])
	}
	_, _ = fmt.Fprintln(out)
}

func printBody(out io.Writer, body any) error {
	switch b := body.(type) {
	case nil:
		return nil
	case string:
		_, err := io.WriteString(out, b)
		return err
	case []byte:
		_, err := out.Write(b)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
