package supervisor

import (
	"context"
	"os"
	"sort"

	"github.com/m4xw311/arbor/credentials"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
)

// environ builds the child environment: the parent's, then the server's
// static overrides, then its secrets. Secret values never reach the logs.
func environ(ctx context.Context, cfg tools.ServerConfig, store credentials.Store) ([]string, error) {
	env := os.Environ()
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	for _, ref := range cfg.Secrets {
		if store == nil {
			if ref.Required {
				return nil, errors.E(errors.Storage, "server %q requires credential %q but no credential store is configured", cfg.Name, ref.Key)
			}
			continue
		}
		v, err := store.Get(ctx, ref.Key)
		if errors.Is(err, credentials.ErrNotFound) {
			if ref.Required {
				return nil, errors.E(errors.Storage, "server %q requires credential %q", cfg.Name, ref.Key)
			}
			continue
		}
		if err != nil {
			return nil, errors.WrapKind(errors.Storage, err, "could not read credential %q for server %q", ref.Key, cfg.Name)
		}
		env = append(env, ref.Env+"="+v)
	}
	return env, nil
}
