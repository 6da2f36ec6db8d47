package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/reach/internal/adapters/out/apiclient"
	"github.com/bnema/reach/internal/app"
)

// newGetCmd creates the get command.
func newGetCmd(opts *rootOptions) *cobra.Command {
	var (
		ttl    time.Duration
		params []string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "GET an API path with the stored session",
		Example: `  reach get /campaigns
  reach get /campaigns --query status=active --ttl 1m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseQuery(params)
			if err != nil {
				return err
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				reqOpts := []apiclient.RequestOption{apiclient.Query(query)}
				if cmd.Flags().Changed("ttl") {
					reqOpts = append(reqOpts, apiclient.CacheTTL(ttl))
				}

				var body json.RawMessage
				if err := a.API.Get(ctx, args[0], &body, reqOpts...); err != nil {
					return err
				}
				return printJSON(cmd, body, raw)
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Cache lifetime for this read (0 bypasses the cache)")
	cmd.Flags().StringArrayVarP(&params, "query", "q", nil, "Query parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the body as received")

	return cmd
}

func parseQuery(params []string) (url.Values, error) {
	query := url.Values{}
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query parameter %q, expected key=value", p)
		}
		query.Add(key, value)
	}
	return query, nil
}

func printJSON(cmd *cobra.Command, body json.RawMessage, raw bool) error {
	out := cmd.OutOrStdout()
	if len(body) == 0 {
		return nil
	}
	if raw {
		_, err := fmt.Fprintln(out, string(body))
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = fmt.Fprintln(out, string(body))
		return err
	}
	_, err := fmt.Fprintln(out, buf.String())
	return err
}
