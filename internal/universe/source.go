package universe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketfeed/internal/config"
	"github.com/rickgao/marketfeed/internal/model"
)

// ErrEmptyUniverse is returned when a source yields no instruments.
var ErrEmptyUniverse = errors.New("universe is empty")

// Source loads the desired instrument keys, in subscription order.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]model.InstrumentKey, error)
}

// Querier is the subset of pgxpool.Pool used by PostgresSource.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewSource builds the source selected by cfg. db is only used by the postgres source.
func NewSource(cfg config.UniverseConfig, db Querier) (Source, error) {
	switch cfg.Source {
	case config.UniverseSourceStatic, "":
		return NewStaticSource(cfg.Symbols, cfg.Keys), nil
	case config.UniverseSourceFile:
		return NewFileSource(cfg.File), nil
	case config.UniverseSourcePostgres:
		if db == nil {
			return nil, errors.New("postgres universe source requires a database pool")
		}
		return NewPostgresSource(db, cfg.Query), nil
	default:
		return nil, fmt.Errorf("unknown universe source %q", cfg.Source)
	}
}

// StaticSource serves a fixed list of symbols and keys from config.
type StaticSource struct {
	entries []string
}

// NewStaticSource keeps symbols first, then explicit keys.
func NewStaticSource(symbols, keys []string) *StaticSource {
	entries := make([]string, 0, len(symbols)+len(keys))
	entries = append(entries, symbols...)
	entries = append(entries, keys...)
	return &StaticSource{entries: entries}
}

func (s *StaticSource) Name() string { return config.UniverseSourceStatic }

func (s *StaticSource) Load(ctx context.Context) ([]model.InstrumentKey, error) {
	return resolve(s.entries)
}

// FileSource reads one symbol or key per line. Blank lines and lines starting with # are skipped.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return config.UniverseSourceFile }

func (s *FileSource) Load(ctx context.Context) ([]model.InstrumentKey, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open universe file: %w", err)
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}
	return resolve(entries)
}

// PostgresSource runs a query whose first column is an instrument key or symbol.
type PostgresSource struct {
	db    Querier
	query string
}

func NewPostgresSource(db Querier, query string) *PostgresSource {
	return &PostgresSource{db: db, query: query}
}

func (s *PostgresSource) Name() string { return config.UniverseSourcePostgres }

func (s *PostgresSource) Load(ctx context.Context) ([]model.InstrumentKey, error) {
	rows, err := s.db.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query universe: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan universe: %w", err)
	}
	return resolve(entries)
}

// resolve converts entries to keys in order, dropping duplicates.
func resolve(entries []string) ([]model.InstrumentKey, error) {
	symbols := make([]model.Symbol, len(entries))
	for i, e := range entries {
		symbols[i] = model.Symbol(e)
	}
	keys := model.SymbolsToKeys(symbols)
	if len(keys) == 0 {
		return nil, ErrEmptyUniverse
	}
	return keys, nil
}
