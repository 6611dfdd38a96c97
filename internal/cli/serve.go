package cli

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/jobflow/internal/api"
	"github.com/seantiz/jobflow/internal/engine"
	"github.com/seantiz/jobflow/internal/logsink"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen    string
		retention int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for submitting and following runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.ListenAddr
			}

			reg, err := buildRegistry(a.cfg, a.logger)
			if err != nil {
				return err
			}
			eng := engine.NewEngine(reg, buildStager(a.cfg, a.logger),
				engine.WithSinks(logsink.NewSlog(a.logger)),
				engine.WithRetention(retention),
				engine.WithLogger(a.logger),
			)

			srv := api.NewServer(listen, eng, a.logger, api.WithDefaultExecutor(a.cfg.Executor))
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from JOBFLOW_LISTEN_ADDR)")
	cmd.Flags().IntVar(&retention, "retention", engine.DefaultRetention, "finished runs kept in memory (0 keeps all)")
	return cmd
}
