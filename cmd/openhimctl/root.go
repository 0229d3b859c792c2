package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/openhim-core/config"
	"github.com/c360/openhim-core/kvstore"
	"github.com/c360/openhim-core/natsclient"
	"github.com/c360/openhim-core/rbac"
	"github.com/c360/openhim-core/sqlstore"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	natsURL    string
	subject    string
	dbPath     string
	repository string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	defaults := config.Defaults()

	root := &cobra.Command{
		Use:           "openhimctl",
		Short:         "Administer an OpenHIM core deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.natsURL, "nats", envOr("OPENHIM_NATS_URLS", defaults.NATS.URLs[0]),
		"NATS server URL (env: OPENHIM_NATS_URLS)")
	flags.StringVar(&opts.subject, "subject", defaults.NATS.APISubject, "Chunk API subject")
	flags.StringVar(&opts.dbPath, "db", envOr("OPENHIM_REPOSITORY_PATH", defaults.Repository.Path),
		"SQLite repository path (env: OPENHIM_REPOSITORY_PATH)")
	flags.StringVar(&opts.repository, "repository", envOr("OPENHIM_REPOSITORY_BACKEND", defaults.Repository.Backend),
		"Role and channel repository: sqlite or kv (env: OPENHIM_REPOSITORY_BACKEND)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Timeout for each remote call")

	root.AddCommand(
		newStoreCmd(opts),
		newRetrieveCmd(opts),
		newDeleteCmd(opts),
		newChannelsCmd(opts),
		newSeedCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// connect opens a NATS connection for one command
func (o *globalOptions) connect(ctx context.Context) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(o.natsURL,
		natsclient.WithName("openhimctl"),
		natsclient.WithTimeout(o.timeout),
		natsclient.WithMaxReconnects(0))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.natsURL, err)
	}
	return client, nil
}

// repository is the role and channel store selected by --repository
type repository interface {
	rbac.RoleRepository
	rbac.ChannelRepository
	rbac.Writer
}

// openRepository returns the selected repository and a function releasing it
func (o *globalOptions) openRepository(ctx context.Context) (repository, func(), error) {
	switch o.repository {
	case config.RepositorySQLite:
		db, err := sqlstore.Open(o.dbPath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil

	case config.RepositoryKV:
		client, err := o.connect(ctx)
		if err != nil {
			return nil, nil, err
		}
		release := func() { _ = client.Close(context.Background()) }
		kv, err := kvstore.NewStore(ctx, client)
		if err != nil {
			release()
			return nil, nil, err
		}
		return kv, release, nil

	default:
		return nil, nil, fmt.Errorf("unknown repository %q: want sqlite or kv", o.repository)
	}
}
