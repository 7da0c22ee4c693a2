package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"tokenward/internal/server"
)

// serveOptions holds the flags of `serve`.
type serveOptions struct {
	listen   string
	upstream string
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	serveOpts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local login endpoints and authenticating proxy",
		Long: `Serve the browser login flow and forward API requests with the session's
bearer token.

Routes:
  /auth/login, /auth/callback, /auth/logout, /auth/whoami
  /healthz, /metrics
  <api_prefix>...   proxied to the upstream

The configured redirect URI should point at /auth/callback on this server.

Examples:
  tokenward serve
  tokenward serve --listen 127.0.0.1:9000 --upstream https://api.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			listen := rt.cfg.Server.Listen
			if serveOpts.listen != "" {
				listen = serveOpts.listen
			}
			upstreamRaw := rt.cfg.Server.Upstream
			if serveOpts.upstream != "" {
				upstreamRaw = serveOpts.upstream
			}

			var upstream *url.URL
			if upstreamRaw != "" {
				if upstream, err = url.Parse(upstreamRaw); err != nil {
					return fmt.Errorf("invalid upstream: %w", err)
				}
			}

			srv, err := server.New(server.Options{
				Session:   rt.session,
				Upstream:  upstream,
				APIPrefix: rt.cfg.Server.APIPrefix,
			})
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context(), listen)
		},
	}

	cmd.Flags().StringVar(&serveOpts.listen, "listen", "", "Listen address (default from config, 127.0.0.1:8080)")
	cmd.Flags().StringVar(&serveOpts.upstream, "upstream", "", "Upstream API base URL")
	return cmd
}
