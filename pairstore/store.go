// Package pairstore packs many small (raw, rendered) screenshot pairs into a single
// randomly addressable SQLite file.
//
// A store is written exactly once by Build and opened read-only afterwards. Every
// record lives under the key "<profile>_<index:08d>"; the ordered list of all keys is
// stored under the reserved key "__keys__". Because a built store never changes, any
// number of goroutines may call Get concurrently without locking.
package pairstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// ManifestKey is the reserved key holding the ordered list of data keys.
const ManifestKey = "__keys__"

const schema = `CREATE TABLE records (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// Key formats the store key for a profile-local index.
func Key(profileID string, index int) string {
	return fmt.Sprintf("%s_%08d", profileID, index)
}

// Pair is a decoded record. Raw and Rendered always share the same bounds.
type Pair struct {
	Key      string
	Raw      image.Image
	Rendered image.Image
}

// Options tunes Build and Open.
type Options struct {
	Logger    *slog.Logger
	Workers   int // parallel decoders during Build (default 4)
	CacheSize int // decoded pairs kept by Open, 0 disables caching
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return discardLogger()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SkippedPair records a source pair that Build refused.
type SkippedPair struct {
	Source SourcePair
	Err    error
}

// BuildReport summarises a Build.
type BuildReport struct {
	Written    int
	PerProfile map[string]int
	Skipped    []SkippedPair
}

// Build packs sources into a new store at storePath. Pairs with mismatched
// dimensions or unreadable files are skipped and reported; they never abort the
// build. The store is assembled at storePath+".partial" and renamed into place
// once the manifest is committed.
func Build(ctx context.Context, sources []SourcePair, storePath string, opts Options) (*BuildReport, error) {
	logger := opts.logger()
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	if err := ensureVacant(storePath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	partial := storePath + ".partial"
	if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale partial store: %w", err)
	}

	db, err := sql.Open("sqlite", partial)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin build transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO records (key, value) VALUES (?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insert.Close()

	report := &BuildReport{PerProfile: make(map[string]int)}
	keys := make([]string, 0, len(sources))
	next := make(map[string]int)

	// Decode in windows so only a bounded number of encoded pairs is held in memory,
	// then write each window in source order to keep indices deterministic.
	window := workers * 4
	for start := 0; start < len(sources); start += window {
		end := min(start+window, len(sources))
		batch := sources[start:end]
		encoded := make([]*record, len(batch))
		failures := make([]error, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, src := range batch {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				encoded[i], failures[i] = encodePair(src)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, src := range batch {
			if failures[i] != nil {
				logger.Warn("skipping source pair",
					"profile", src.ProfileID, "raw", src.RawPath, "rendered", src.RenderedPath, "error", failures[i])
				report.Skipped = append(report.Skipped, SkippedPair{Source: src, Err: failures[i]})
				continue
			}

			rec := encoded[i]
			rec.Index = next[src.ProfileID]
			key := Key(src.ProfileID, rec.Index)
			if _, err := insert.ExecContext(ctx, key, rec.marshal()); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", key, err)
			}
			next[src.ProfileID]++
			keys = append(keys, key)
			report.PerProfile[src.ProfileID]++
			report.Written++
			logger.Debug("packed pair", "key", key, "width", rec.Width, "height", rec.Height)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO records (key, value) VALUES (?, ?)`,
		ManifestKey, marshalManifest(keys)); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit store: %w", err)
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("failed to close store: %w", err)
	}

	if err := os.Rename(partial, storePath); err != nil {
		return nil, fmt.Errorf("failed to move store into place: %w", err)
	}
	syncDir(filepath.Dir(storePath))

	logger.Info("pair store built",
		"path", storePath, "written", report.Written, "skipped", len(report.Skipped))
	return report, nil
}

// ensureVacant refuses any populated target so an existing store is never clobbered.
func ensureVacant(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat store path: %w", err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("failed to read store path: %w", err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return fmt.Errorf("store path %s is a directory", path)
	}
	if info.Size() > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	return nil
}

func encodePair(src SourcePair) (*record, error) {
	raw, err := readImage(src.RawPath)
	if err != nil {
		return nil, err
	}
	rendered, err := readImage(src.RenderedPath)
	if err != nil {
		return nil, err
	}

	rb, pb := raw.Bounds(), rendered.Bounds()
	if rb.Dx() != pb.Dx() || rb.Dy() != pb.Dy() {
		return nil, &IntegrityError{
			ProfileID:    src.ProfileID,
			RawPath:      src.RawPath,
			RenderedPath: src.RenderedPath,
			RawWidth:     rb.Dx(),
			RawHeight:    rb.Dy(),
			RendWidth:    pb.Dx(),
			RendHeight:   pb.Dy(),
		}
	}

	rawPNG, err := encodePNG(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", src.RawPath, err)
	}
	renderedPNG, err := encodePNG(rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", src.RenderedPath, err)
	}

	return &record{
		ProfileID: src.ProfileID,
		Width:     rb.Dx(),
		Height:    rb.Dy(),
		Raw:       rawPNG,
		Rendered:  renderedPNG,
	}, nil
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

var pngEncoder = png.Encoder{CompressionLevel: png.BestCompression}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Store is a read-only handle on a built pair store.
type Store struct {
	db     *sql.DB
	path   string
	keys   []string
	index  map[string]int
	cache  *lru.Cache[string, *Pair]
	logger *slog.Logger
}

// Open opens the store at path read-only and loads its manifest.
func Open(path string, opts Options) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}
	// immutable=1 skips locking entirely; the file is never written after Build.
	dsn := (&url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "mode=ro&immutable=1",
	}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var raw []byte
	err = db.QueryRow(`SELECT value FROM records WHERE key = ?`, ManifestKey).Scan(&raw)
	if err != nil {
		db.Close()
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			return nil, fmt.Errorf("%w: %s has no manifest", ErrStoreNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	keys, err := unmarshalManifest(raw)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		keys:   keys,
		index:  make(map[string]int, len(keys)),
		logger: opts.logger(),
	}
	for i, k := range keys {
		s.index[k] = i
	}
	if opts.CacheSize > 0 {
		s.cache, err = lru.New[string, *Pair](opts.CacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create pair cache: %w", err)
		}
	}

	s.logger.Debug("pair store opened", "path", path, "keys", len(keys))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Len returns the manifest length.
func (s *Store) Len() int { return len(s.keys) }

// Keys returns a copy of the full manifest in build order.
func (s *Store) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Has reports whether key is in the manifest.
func (s *Store) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// KeysForProfile returns, in manifest order, the keys belonging to profileID.
func (s *Store) KeysForProfile(profileID string) []string {
	var out []string
	for _, k := range s.keys {
		if belongsTo(k, profileID) {
			out = append(out, k)
		}
	}
	return out
}

// belongsTo matches "<profile>_" followed by exactly eight digits, so a profile id
// that is a prefix of another never claims its keys.
func belongsTo(key, profileID string) bool {
	if len(key) != len(profileID)+9 || !strings.HasPrefix(key, profileID+"_") {
		return false
	}
	for _, c := range key[len(profileID)+1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Get returns the decoded pair stored under key.
func (s *Store) Get(ctx context.Context, key string) (*Pair, error) {
	if _, ok := s.index[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if s.cache != nil {
		if p, ok := s.cache.Get(key); ok {
			return p, nil
		}
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	rec, err := unmarshalRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	rawImg, err := png.Decode(bytes.NewReader(rec.Raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw image for %s: %w", key, err)
	}
	renderedImg, err := png.Decode(bytes.NewReader(rec.Rendered))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered image for %s: %w", key, err)
	}
	if rawImg.Bounds().Size() != renderedImg.Bounds().Size() {
		return nil, fmt.Errorf("%w: %s raw %v rendered %v",
			ErrIntegrity, key, rawImg.Bounds().Size(), renderedImg.Bounds().Size())
	}

	p := &Pair{Key: key, Raw: rawImg, Rendered: renderedImg}
	if s.cache != nil {
		s.cache.Add(key, p)
	}
	return p, nil
}
