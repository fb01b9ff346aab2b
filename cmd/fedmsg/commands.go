package main

import (
	"fmt"
	"io"
	"time"

	"github.com/coreos/fedmsg-go/bridge"
	"github.com/coreos/fedmsg-go/schema"
	"github.com/spf13/cobra"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	return newRootCmdWithApp(&app{stdout: stdout, stderr: stderr})
}

func newRootCmdWithApp(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fedmsg",
		Short: "Send Fedora CoreOS requests and broadcasts",
		Long: `fedmsg publishes messages on the fedora-messaging bus.

Requests are correlated with the worker's response on the matching
.finished topic; broadcasts are fire-and-forget.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.confPath, "fedmsg-conf", "", "fedora-messaging config file for publishing")
	flags.BoolVar(&a.stg, "stg", false, "target the stg infra rather than prod")
	flags.StringArrayVar(&a.extraKeys, "extra-fedmsg-keys", nil, "extra KEY=VAL keys to inject into broadcasts")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFile, "log-file", "", "write JSON logs to a rotating file instead of stderr")
	flags.BoolVar(&a.dryRun, "dry-run", false, "print the message instead of publishing it")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics in textfile format on exit")

	rootCmd.AddCommand(
		newRequestCmd(a),
		newOstreeImportCmd(a),
		newBroadcastCmd(a),
		newCheckCmd(a),
	)
	return rootCmd
}

// run wraps a command body so metrics and logs are flushed on every path.
func run(a *app, fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.finish()
		return fn(cmd, args)
	}
}

func newRequestCmd(a *app) *cobra.Command {
	var (
		bodyJSON string
		fields   []string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request TYPE",
		Short: "Send a request and wait for the worker's response",
		Args:  cobra.ExactArgs(1),
		RunE: run(a, func(cmd *cobra.Command, args []string) error {
			body, err := requestBody(bodyJSON, fields)
			if err != nil {
				return err
			}
			return a.sendRequest(cmd.Context(), args[0], body, timeout)
		}),
	}
	cmd.Flags().StringVar(&bodyJSON, "body-json", "", "request body as a JSON object")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "KEY=VAL body field, may be repeated")
	cmd.Flags().DurationVar(&timeout, "timeout", bridge.DefaultImportTimeout, "how long to wait for the response")
	return cmd
}

func newOstreeImportCmd(a *app) *cobra.Command {
	args := ostreeImportArgs{}
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ostree-import",
		Short: "Ask the importer to import a build's OSTree commit",
		Args:  cobra.NoArgs,
		RunE: run(a, func(cmd *cobra.Command, _ []string) error {
			body, err := args.body()
			if err != nil {
				return err
			}
			return a.sendRequest(cmd.Context(), schema.OstreeImport, body, timeout)
		}),
	}

	f := cmd.Flags()
	f.StringVar(&args.Build, "build", "", "build ID")
	f.StringVar(&args.Arch, "arch", defaultBasearch(), "target architecture")
	f.StringVar(&args.S3, "s3", "", "bucket and prefix to S3 builds/ dir, as BUCKET[/PREFIX]")
	f.StringVar(&args.OstreePath, "ostree-path", "", "path of the ostree tarball within the build dir")
	f.StringVar(&args.CommitURL, "commit-url", "", "URL of the ostree tarball, overrides --s3")
	f.StringVar(&args.Checksum, "checksum", "", "sha256 of the ostree tarball")
	f.StringVar(&args.OstreeRef, "ostree-ref", "", "ref the commit is imported to")
	f.StringVar(&args.OstreeChecksum, "ostree-checksum", "", "OSTree commit checksum")
	f.StringVar(&args.Repo, "repo", "", "the OSTree repo within Fedora to import into: prod or compose")
	f.DurationVar(&timeout, "timeout", bridge.DefaultImportTimeout, "how long to wait for the importer")
	cmd.MarkFlagRequired("build")
	cmd.MarkFlagRequired("repo")
	return cmd
}

func newBroadcastCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Broadcast a pipeline event",
	}

	var state buildStateArgs
	stateCmd := &cobra.Command{
		Use:   schema.BuildStateChange,
		Short: "Announce a build state change",
		Args:  cobra.NoArgs,
		RunE: run(a, func(cmd *cobra.Command, _ []string) error {
			return a.sendBroadcast(cmd.Context(), schema.BuildStateChange, state.body())
		}),
	}
	stateCmd.Flags().StringVar(&state.Build, "build", "", "build ID")
	stateCmd.Flags().StringVar(&state.Basearch, "basearch", "", "build architecture")
	stateCmd.Flags().StringVar(&state.Stream, "stream", "", "stream name")
	stateCmd.Flags().StringVar(&state.State, "state", "", "new build state")
	stateCmd.Flags().StringVar(&state.BuildDir, "build-dir", "", "location of the build")
	stateCmd.Flags().StringVar(&state.Result, "result", "", "build result")
	for _, name := range []string{"build", "basearch", "stream", "state"} {
		stateCmd.MarkFlagRequired(name)
	}

	var build, basearch, stream string
	releaseCmd := &cobra.Command{
		Use:   schema.StreamRelease,
		Short: "Announce a stream release",
		Args:  cobra.NoArgs,
		RunE: run(a, func(cmd *cobra.Command, _ []string) error {
			return a.sendBroadcast(cmd.Context(), schema.StreamRelease, map[string]interface{}{
				"build_id": build,
				"basearch": basearch,
				"stream":   stream,
			})
		}),
	}
	releaseCmd.Flags().StringVar(&build, "build", "", "build ID")
	releaseCmd.Flags().StringVar(&basearch, "basearch", "", "build architecture")
	releaseCmd.Flags().StringVar(&stream, "stream", "", "stream name")
	for _, name := range []string{"build", "basearch", "stream"} {
		releaseCmd.MarkFlagRequired(name)
	}

	var metadataStream string
	metadataCmd := &cobra.Command{
		Use:   schema.StreamMetadataUpdate,
		Short: "Announce updated stream metadata",
		Args:  cobra.NoArgs,
		RunE: run(a, func(cmd *cobra.Command, _ []string) error {
			return a.sendBroadcast(cmd.Context(), schema.StreamMetadataUpdate, map[string]interface{}{
				"stream": metadataStream,
			})
		}),
	}
	metadataCmd.Flags().StringVar(&metadataStream, "stream", "", "stream name")
	metadataCmd.MarkFlagRequired("stream")

	cmd.AddCommand(stateCmd, releaseCmd, metadataCmd)
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var timeout, slow time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the bus is reachable and the publish exchange exists",
		Args:  cobra.NoArgs,
		RunE: run(a, func(cmd *cobra.Command, _ []string) error {
			return a.checkBus(cmd.Context(), timeout, slow)
		}),
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the checks")
	cmd.Flags().DurationVar(&slow, "slow", 2*time.Second, "ping time above which the bus is reported degraded")
	return cmd
}
