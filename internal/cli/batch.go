/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-webqueue/config"
	"github.com/acronis/go-webqueue/restclient"
	"github.com/acronis/go-webqueue/webrequest"
)

// BatchFile is a list of requests dispatched by the batch command.
type BatchFile struct {
	Requests []BatchRequest `yaml:"requests"`
}

// BatchRequest describes a single request of a batch.
type BatchRequest struct {
	Name     string              `yaml:"name"`
	Method   string              `yaml:"method"`
	URL      string              `yaml:"url"`
	Priority string              `yaml:"priority"`
	Retries  int                 `yaml:"retries"`
	Timeout  config.TimeDuration `yaml:"timeout"`
	Accept   string              `yaml:"accept"`
	Headers  map[string]string   `yaml:"headers"`
	Body     any                 `yaml:"body"`
}

// ReadBatchFile parses and validates a batch file.
func ReadBatchFile(r io.Reader) (*BatchFile, error) {
	var bf BatchFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&bf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode batch file: %w", err)
	}
	if len(bf.Requests) == 0 {
		return nil, fmt.Errorf("batch file has no requests")
	}
	for i := range bf.Requests {
		br := &bf.Requests[i]
		if br.URL == "" {
			return nil, fmt.Errorf("requests[%d]: url is required", i)
		}
		if br.Name == "" {
			br.Name = fmt.Sprintf("#%d", i+1)
		}
		if br.Method == "" {
			br.Method = http.MethodGet
		}
		br.Method = strings.ToUpper(br.Method)
		if br.Retries < 0 {
			return nil, fmt.Errorf("requests[%d]: retries should be >= 0", i)
		}
		if _, err := parsePriority(br.Priority); err != nil {
			return nil, fmt.Errorf("requests[%d]: %w", i, err)
		}
	}
	return &bf, nil
}

func (br *BatchRequest) callOptions() *restclient.CallOptions {
	priority, _ := parsePriority(br.Priority) // validated by ReadBatchFile
	var headers webrequest.Headers
	if len(br.Headers) != 0 {
		headers = webrequest.Headers(br.Headers)
	}
	return &restclient.CallOptions{
		ExcludeEndpointURL: true,
		Options: webrequest.Options{
			Retries:        br.Retries,
			Priority:       priority,
			Timeout:        time.Duration(br.Timeout),
			AcceptType:     br.Accept,
			AugmentHeaders: headers,
		},
	}
}

type batchResult struct {
	statusCode int
	elapsed    time.Duration
	err        error
}

func buildBatchCommand(flags *globalFlags) *cobra.Command {
	var (
		file     string
		failFast bool
	)
	cmd := &cobra.Command{
		Use:   "batch -f <file.yaml>",
		Short: "Dispatch a list of requests from a YAML file through one queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			bf, err := ReadBatchFile(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cmd.OutOrStdout(), flags, bf, failFast)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with requests")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "abort the remaining requests after the first failure")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runBatch(ctx context.Context, out io.Writer, flags *globalFlags, bf *BatchFile, failFast bool) error {
	a, err := newApp(flags, restclient.NopHooks{})
	if err != nil {
		return err
	}
	defer a.close()

	if a.waitReady > 0 {
		if err = waitForHost(ctx, a.transport.Client(), bf.Requests[0].URL, a.waitReady, a.logger); err != nil {
			return err
		}
	}

	results := make([]batchResult, len(bf.Requests))
	g, gCtx := errgroup.WithContext(ctx)
	if !failFast {
		gCtx = ctx
	}
	for i := range bf.Requests {
		i := i
		br := &bf.Requests[i]
		g.Go(func() error {
			start := time.Now()
			resp, callErr := a.client.Do(gCtx, br.Method, br.URL, br.Body, br.callOptions())
			results[i] = batchResult{elapsed: time.Since(start), err: callErr, statusCode: statusCodeOf(resp, callErr)}
			if failFast && callErr != nil {
				return fmt.Errorf("request %s: %w", br.Name, callErr)
			}
			return nil
		})
	}
	groupErr := g.Wait()

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tMETHOD\tSTATUS\tDURATION\tERROR")
	failed := 0
	for i, res := range results {
		br := &bf.Requests[i]
		errText := "-"
		if res.err != nil {
			failed++
			errText = res.err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			br.Name, br.Method, res.statusCode, res.elapsed.Round(time.Millisecond), errText)
	}
	_ = tw.Flush()

	if groupErr != nil {
		return groupErr
	}
	if failed != 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(results))
	}
	return nil
}

func statusCodeOf(resp *webrequest.Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	var errResp *webrequest.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode
	}
	return 0
}
