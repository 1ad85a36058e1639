package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/roomline/msgcache/internal/cache"
	"github.com/roomline/msgcache/internal/db"
	"github.com/roomline/msgcache/internal/engine"
	"github.com/roomline/msgcache/pkg/config"
	"github.com/roomline/msgcache/pkg/logging"
)

const usage = `Usage: cacheadmin <command> [flags]

Commands:
  keys  [-room R]   list populated cache keys with type, cardinality and TTL
  clear -room R     drop every cache entry of one room
  stats -room R     compare durable and cached message counts of one room
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	// Diagnostics go to stderr; stdout carries the report
	cfg.Logging.Format = "text"
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		logging.GetLogger().Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisCache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a := &admin{cfg: cfg, rdb: redisCache, out: os.Stdout}
	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "cacheadmin %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

type admin struct {
	cfg *config.Config
	rdb *cache.Cache
	out io.Writer

	// durable is opened on demand; only stats needs it
	durable engine.DurableStore
}

func (a *admin) run(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	room := fs.String("room", "", "room id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch command {
	case "keys":
		return a.keys(ctx, *room)
	case "clear":
		if *room == "" {
			return fmt.Errorf("-room is required")
		}
		return a.clear(ctx, *room)
	case "stats":
		if *room == "" {
			return fmt.Errorf("-room is required")
		}
		return a.stats(ctx, *room)
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func (a *admin) keys(ctx context.Context, roomID string) error {
	infos, err := cache.NewInspector(a.rdb.Client()).Keys(ctx, roomID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tROOM\tKIND\tTYPE\tCARDINALITY\tTTL")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			info.Key, info.RoomID, info.Kind, info.Type, info.Cardinality, formatTTL(info.TTL))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d keys\n", len(infos))
	return nil
}

func (a *admin) clear(ctx context.Context, roomID string) error {
	if a.rdb.Client() == nil {
		return cache.ErrCacheDisabled
	}
	_, coordinator := a.engine(nil)
	if !coordinator.ClearRoomCache(ctx, roomID) {
		return fmt.Errorf("room %s only partially cleared, see log", roomID)
	}
	fmt.Fprintf(a.out, "cleared room %s\n", roomID)
	return nil
}

func (a *admin) stats(ctx context.Context, roomID string) error {
	if a.durable == nil {
		database, err := db.New(&a.cfg.Database, a.cfg.Logging.Level)
		if err != nil {
			return err
		}
		defer database.Close()
		a.durable = db.NewMessageRepository(db.NewRepository(database.DB))
	}

	reader, _ := a.engine(a.durable)
	stats, err := reader.RoomStats(ctx, roomID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "room\t%s\n", stats.RoomID)
	fmt.Fprintf(w, "durable messages\t%d\n", stats.DurableCount)
	if stats.CacheAvailable {
		fmt.Fprintf(w, "cached messages\t%d\n", stats.CachedMessages)
		fmt.Fprintf(w, "pinned entries\t%d\n", stats.PinnedEntries)
		fmt.Fprintf(w, "cache ttl\t%s\n", formatTTL(stats.CacheTTL))
	} else {
		fmt.Fprintln(w, "cache\tunavailable")
	}
	return w.Flush()
}

func (a *admin) engine(durable engine.DurableStore) (*engine.Reader, *engine.Coordinator) {
	opts := cache.OptionsFromConfig(&a.cfg.Cache)
	messages := cache.NewMessageCache(a.rdb.Client(), opts)
	pinned := cache.NewPinnedCache(a.rdb.Client(), opts)
	reactions := cache.NewReactionCache(a.rdb.Client(), opts)

	reader := engine.NewReader(durable, messages, pinned, reactions, engine.ReaderConfig{
		DefaultPageSize: a.cfg.Cache.DefaultPageSize,
		MaxPageSize:     a.cfg.Cache.MaxPageSize,
	})
	return reader, engine.NewCoordinator(durable, messages, pinned, reactions)
}

func formatTTL(ttl time.Duration) string {
	switch {
	case ttl == -1:
		return "none"
	case ttl < 0:
		return "missing"
	default:
		return ttl.Round(time.Second).String()
	}
}
