package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kookgo/kookgo/cmd/kookgo/internal"
	"github.com/kookgo/kookgo/pkg/api"
	"github.com/kookgo/kookgo/pkg/auth"
	"github.com/kookgo/kookgo/pkg/config"
	"github.com/kookgo/kookgo/pkg/gateway"
	"github.com/kookgo/kookgo/pkg/redaction"
)

type options struct {
	compress  bool
	sessionID string
	sn        int64
	showToken bool
	timeout   time.Duration
}

func NewGatewayCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "gateway",
		Aliases: []string{"g"},
		Short:   "Resolve the websocket gateway URL",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cmd.Flags().Changed("compress") {
				opts.compress = cfg.Gateway.Compress
			}
			url, err := resolve(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			if !opts.showToken {
				url = redaction.Redact(url)
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.compress, "compress", true, "Ask for zlib-compressed frames")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "Session to resume")
	cmd.Flags().Int64Var(&opts.sn, "sn", 0, "Last processed sequence number, used with --session-id")
	cmd.Flags().BoolVar(&opts.showToken, "show-token", false, "Print the URL without masking its token")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}

func resolve(ctx context.Context, cfg *config.Config, opts options) (string, error) {
	tokenType, err := auth.ParseTokenType(cfg.Bot.TokenType)
	if err != nil {
		return "", err
	}
	ticket, err := auth.NewTicket(cfg.Bot.ClientID, cfg.Bot.Token, tokenType)
	if err != nil {
		return "", err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client := api.NewClient(cfg.API.BaseURL, ticket, api.WithHTTPClient(&http.Client{Timeout: opts.timeout}))

	var resume *gateway.ResumePoint
	if opts.sessionID != "" {
		resume = &gateway.ResumePoint{SN: opts.sn, SessionID: opts.sessionID}
	}
	return gateway.NewHTTPResolver(client).Resolve(ctx, opts.compress, resume)
}
