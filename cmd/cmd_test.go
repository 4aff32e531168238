package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/otherjamesbrown/freightdesk/config"
	"github.com/otherjamesbrown/freightdesk/pkg/credentials"
	"github.com/otherjamesbrown/freightdesk/pkg/db"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/store"
)

var t0 = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

// testEnv runs commands against an in-memory store, a mock keyring and,
// when a command asks for it, miniredis.
type testEnv struct {
	deps  *Deps
	mem   *store.Memory
	mr    *miniredis.Miniredis
	redis redis.UniversalClient
	in    *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("FREIGHTDESK_CONFIG_DIR", t.TempDir())
	for _, s := range credentials.Secrets {
		t.Setenv(s.EnvVar(), "")
	}
	keyring.MockInit()

	env := &testEnv{mem: store.NewMemory(), in: &bytes.Buffer{}}
	env.mr = miniredis.RunT(t)
	env.redis = redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
	t.Cleanup(func() { env.redis.Close() })

	env.deps = &Deps{
		LoadConfig: func(string) (*config.Config, error) {
			cfg := config.DefaultConfig()
			cfg.Locks.Backend = config.LockBackendLocal
			cfg.Log.Level = string(logging.LevelError)
			cfg.Workers.PollInterval = 20 * time.Millisecond
			return cfg, nil
		},
		Credentials: func() (*credentials.Resolver, error) {
			return credentials.NewResolver(credentials.NewKeyring()), nil
		},
		OpenRuntime: func(_ context.Context, cfg *config.Config, logger logging.Logger, creds *credentials.Resolver, opts OpenOptions) (*Runtime, error) {
			rt, err := NewMemoryRuntime(cfg, logger, env.mem, creds)
			if err != nil {
				return nil, err
			}
			if opts.Redis {
				rt.Redis = env.redis
			}
			return rt, nil
		},
		ConnectDB: func(context.Context, *db.Config) (*pgxpool.Pool, error) {
			return nil, errors.New("no database in tests")
		},
		ReadSecret: func(string) (string, error) {
			return "", credentials.ErrUnavailable
		},
	}
	return env
}

// run executes the command line and returns stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	return e.runContext(t, context.Background(), args...)
}

func (e *testEnv) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(e.deps)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(e.in)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (e *testEnv) save(t *testing.T, msgs ...*resolution.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, e.mem.SaveMessage(context.Background(), m))
	}
}

func maerskBooking(id string, at time.Time) *resolution.Message {
	return &resolution.Message{
		ID:            id,
		SenderAddress: "noreply@maersk.com",
		SenderName:    "Maersk Line",
		Subject:       "Booking Confirmation: 263368698",
		Body:          "Dear customer,\nETD: 25-Dec-2025\nThank you",
		ReceivedAt:    at,
	}
}

func forwardedBooking(id string, at time.Time) *resolution.Message {
	return &resolution.Message{
		ID:            id,
		SenderAddress: "ops@ownorg.com",
		SenderName:    "Maersk via Operations",
		Subject:       "Booking Confirmation: 263368698",
		Body:          "ETD: 25-Dec-2025",
		ReceivedAt:    at,
	}
}

func unclassifiable(id string, at time.Time) *resolution.Message {
	return &resolution.Message{
		ID:            id,
		SenderAddress: "someone@example.org",
		Subject:       "Hello",
		Body:          "Just checking in.",
		ReceivedAt:    at,
	}
}
