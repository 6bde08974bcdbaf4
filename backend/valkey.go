package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyConfig configures the valkey backend.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Prefix is prepended to every key so several workers can share a server.
	Prefix string
}

// Valkey implements Backend on a valkey (or redis) server. Each namespace is
// a hash; a set tracks the namespace names. A batch is one multi-field HSET,
// which the server applies atomically.
type Valkey struct {
	client valkey.Client
	prefix string
}

// NewValkey connects to the server and verifies it with a PING.
func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey address required")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "offline-cache:"
	}
	return &Valkey{client: client, prefix: prefix}, nil
}

func (v *Valkey) Put(ctx context.Context, ns, key string, value []byte) error {
	return v.PutBatch(ctx, ns, []Entry{{Key: key, Value: value}})
}

func (v *Valkey) PutBatch(ctx context.Context, ns string, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	fv := v.client.B().Hset().Key(v.hashKey(ns)).FieldValue()
	for _, e := range entries {
		fv = fv.FieldValue(e.Key, string(e.Value))
	}
	cmds := valkey.Commands{
		v.client.B().Sadd().Key(v.setKey()).Member(ns).Build(),
		fv.Build(),
	}
	for _, resp := range v.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("valkey hset: %w", err)
		}
	}
	return nil
}

func (v *Valkey) Get(ctx context.Context, ns, key string) ([]byte, error) {
	resp := v.client.Do(ctx, v.client.B().Hget().Key(v.hashKey(ns)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("valkey hget: %w", err)
	}
	b, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("valkey hget bytes: %w", err)
	}
	return b, nil
}

func (v *Valkey) Delete(ctx context.Context, ns, key string) error {
	if err := v.client.Do(ctx, v.client.B().Hdel().Key(v.hashKey(ns)).Field(key).Build()).Error(); err != nil {
		return fmt.Errorf("valkey hdel: %w", err)
	}
	return nil
}

func (v *Valkey) Keys(ctx context.Context, ns string) ([]string, error) {
	keys, err := v.client.Do(ctx, v.client.B().Hkeys().Key(v.hashKey(ns)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *Valkey) Namespaces(ctx context.Context) ([]string, error) {
	names, err := v.client.Do(ctx, v.client.B().Smembers().Key(v.setKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (v *Valkey) DropNamespace(ctx context.Context, ns string) error {
	cmds := valkey.Commands{
		v.client.B().Del().Key(v.hashKey(ns)).Build(),
		v.client.B().Srem().Key(v.setKey()).Member(ns).Build(),
	}
	for _, resp := range v.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("valkey drop %s: %w", ns, err)
		}
	}
	return nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}

func (v *Valkey) hashKey(ns string) string {
	return v.prefix + "ns:" + ns
}

func (v *Valkey) setKey() string {
	return v.prefix + "namespaces"
}

var _ Backend = (*Valkey)(nil)
