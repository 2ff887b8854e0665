package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"imagecache/pkg/config"
	"imagecache/pkg/errdefs"
	"imagecache/pkg/image"
	"imagecache/pkg/manifest"
	"imagecache/pkg/progress"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

type app struct {
	v      *viper.Viper
	log    *logrus.Logger
	stdout io.Writer
	mgr    *image.Manager
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "image",
		Short: "Fetch container images into a local content-addressed cache",
		Long: `image downloads OCI and Docker images from a registry into a local cache
and checks them out as one directory per layer.`,
		Args:          usageArgs(cobra.NoArgs),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list(cmd)
		},
	}
	rootCmd.SetOut(a.stdout)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errdefs.Usagef("%w", err)
	})

	flags := rootCmd.PersistentFlags()
	flags.String("cache-dir", "", "cache directory (default: user cache dir/imagecache)")
	flags.Int("concurrency", 4, "maximum simultaneous downloads")
	flags.Bool("insecure-skip-tls-verify", false, "skip TLS certificate verification")
	flags.Bool("debug", false, "enable debug logging")
	bindFlags(a.v, flags, map[string]string{
		config.KeyCacheDir:              "cache-dir",
		config.KeyConcurrency:           "concurrency",
		config.KeyInsecureSkipTLSVerify: "insecure-skip-tls-verify",
		config.KeyDebug:                 "debug",
	})

	fetchCmd := &cobra.Command{
		Use:   "fetch [--platform PLATFORM] NAME[:TAG|@DIGEST]",
		Short: "Download an image and all of its content into the cache",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, _ := cmd.Flags().GetString("platform")
			if allTags, _ := cmd.Flags().GetBool("all-tags"); allTags {
				a.log.Warn("--all-tags is not implemented, fetching the named reference only")
			}
			return a.mgr.Fetch(cmd.Context(), args[0], platform)
		},
	}
	fetchCmd.Flags().String("platform", "", "only follow manifest list entries for os/arch[/variant]")
	fetchCmd.Flags().BoolP("all-tags", "a", false, "fetch every tag of the repository (not implemented)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the references recorded in the cache",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list(cmd)
		},
	}

	checkoutCmd := &cobra.Command{
		Use:   "checkout [--platform PLATFORM] NAME[:TAG|@DIGEST] OUTPUT_DIR",
		Short: "Extract a cached image, one directory per layer",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, _ := cmd.Flags().GetString("platform")
			return a.mgr.Checkout(cmd.Context(), args[0], args[1], platform)
		},
	}
	checkoutCmd.Flags().String("platform", "", "only check out manifest list entries for os/arch[/variant]")

	rmCmd := &cobra.Command{
		Use:     "rm NAME[:TAG|@DIGEST]...",
		Aliases: []string{"remove"},
		Short:   "Remove references from the cache index",
		Args:    usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, ref := range args {
				if err := a.mgr.Remove(cmd.Context(), ref); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", ref)
			}
			return nil
		},
	}

	rootCmd.AddCommand(fetchCmd, listCmd, checkoutCmd, rmCmd)
	return rootCmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return errdefs.Usagef("%w", err)
		}
		return nil
	}
}

func (a *app) setup() error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	if cfg.Debug {
		a.log.SetLevel(logrus.DebugLevel)
	}
	a.log.WithField("path", cfg.CacheDir).Debug("using cache")

	a.mgr, err = image.NewManager(cfg, a.log)
	return err
}

func (a *app) list(cmd *cobra.Command) error {
	entries, err := a.mgr.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No cached images found")
		return nil
	}

	fmt.Fprintf(out, "%-40s %-19s %-10s %s\n", "REFERENCE", "DIGEST", "SIZE", "MEDIA TYPE")
	for _, e := range entries {
		fmt.Fprintf(out, "%-40s %-19s %-10s %s\n",
			e.Reference, progress.ShortDigest(e.Digest), units.HumanSize(float64(e.Size)), mediaTypeName(e.MediaType))
	}
	return nil
}

func mediaTypeName(mediaType string) string {
	switch mediaType {
	case manifest.MediaTypeDockerManifest:
		return "docker manifest"
	case manifest.MediaTypeDockerManifestList:
		return "docker manifest list"
	case manifest.MediaTypeOCIManifest:
		return "oci manifest"
	case manifest.MediaTypeOCIIndex:
		return "oci index"
	}
	return mediaType
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errdefs.ErrUsage):
		return exitUsage
	default:
		return exitError
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd := newRootCmd(&app{v: config.NewViper(), log: log, stdout: stdout})
	rootCmd.SetArgs(args)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if exitCode(err) == exitUsage {
			fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", rootCmd.Name())
		}
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
