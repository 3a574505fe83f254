// Package imgextract pulls embedded images out of a docpipe.Source,
// deduplicates them by content hash, drops decorative icons, flattens
// transparency onto white and re-encodes everything to one compact format.
//
// Output files are named from the content hash, so re-running on the same
// source overwrites identical files with identical bytes.
package imgextract

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/webp"
	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/hazyhaar/kbingest/docpipe"
)

// Output formats.
const (
	FormatWebP = "webp"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Config controls extraction.
type Config struct {
	// MinWidth and MinHeight reject icons; a side strictly below the
	// minimum drops the image (default: 50).
	MinWidth  int `json:"min_width" yaml:"min_width"`
	MinHeight int `json:"min_height" yaml:"min_height"`

	// Format is webp, jpeg or png (default: webp).
	Format string `json:"format" yaml:"format"`

	// Quality for lossy encoders, 1-100 (default: 85).
	Quality int `json:"quality" yaml:"quality"`

	// NamePrefix is prepended to every output file name.
	NamePrefix string `json:"name_prefix" yaml:"name_prefix"`

	// URLPrefix builds the reference written into content
	// (default: "/uploads/images").
	URLPrefix string `json:"url_prefix" yaml:"url_prefix"`

	// RelinkDuplicates attaches an already-seen image to every later
	// position it occurs at instead of dropping it.
	RelinkDuplicates bool `json:"relink_duplicates" yaml:"relink_duplicates"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MinWidth <= 0 {
		c.MinWidth = 50
	}
	if c.MinHeight <= 0 {
		c.MinHeight = 50
	}
	if c.Format == "" {
		c.Format = FormatWebP
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 85
	}
	if c.URLPrefix == "" {
		c.URLPrefix = "/uploads/images"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate reports an unknown output format.
func (c Config) Validate() error {
	switch c.Format {
	case "", FormatWebP, FormatJPEG, FormatPNG:
		return nil
	}
	return fmt.Errorf("imgextract: unknown format %q (want webp, jpeg or png)", c.Format)
}

// ImageRecord is one catalogued image.
type ImageRecord struct {
	Hash   string `json:"hash"`
	Pos    int    `json:"position"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Path   string `json:"path"`
	URL    string `json:"url"`
	Format string `json:"format"`
	Name   string `json:"source_name,omitempty"`
	Inline bool   `json:"inline,omitempty"`
	Ref    string `json:"-"`
}

// Catalog is the result of one extraction run.
type Catalog struct {
	Records    []ImageRecord
	ByPos      map[int][]ImageRecord
	ByRef      map[string]ImageRecord
	Skipped    int
	Duplicates int
}

func newCatalog() *Catalog {
	return &Catalog{
		ByPos: map[int][]ImageRecord{},
		ByRef: map[string]ImageRecord{},
	}
}

func (c *Catalog) add(rec ImageRecord) {
	c.Records = append(c.Records, rec)
	c.ByPos[rec.Pos] = append(c.ByPos[rec.Pos], rec)
	if rec.Ref != "" {
		c.ByRef[rec.Ref] = rec
	}
}

// InRange returns the records positioned in [start, end], in discovery order.
func (c *Catalog) InRange(start, end int) []ImageRecord {
	if c == nil {
		return nil
	}
	var out []ImageRecord
	for _, r := range c.Records {
		if r.Pos >= start && r.Pos <= end {
			out = append(out, r)
		}
	}
	return out
}

// Extractor runs extraction with a fixed Config. It holds no per-run state
// and may be shared.
type Extractor struct {
	cfg Config
}

// New returns an Extractor with defaults applied.
func New(cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{cfg: cfg}
}

// Extract catalogues every image of src into outDir. Per-image failures are
// logged and counted in Catalog.Skipped; only an unusable outDir or a
// cancelled context is returned as an error.
func (e *Extractor) Extract(ctx context.Context, src docpipe.Source, outDir string) (*Catalog, error) {
	log := e.cfg.Logger.With("source", src.Path())
	cat := newCatalog()

	refs := append([]docpipe.ImageRef(nil), src.Images()...)
	if len(refs) == 0 {
		return cat, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	// Document order; adapters already emit it but PDF pages may interleave
	// when an image object is shared.
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Pos < refs[j].Pos })

	seen := map[string]ImageRecord{}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := ref.Open()
		if err != nil {
			log.Warn("image unreadable", "position", ref.Pos, "name", ref.Name, "reason", err)
			cat.Skipped++
			continue
		}

		hash := contentHash(data)
		if prev, ok := seen[hash]; ok {
			cat.Duplicates++
			if !e.cfg.RelinkDuplicates {
				log.Debug("duplicate image dropped", "position", ref.Pos, "hash", hash, "first_position", prev.Pos)
				continue
			}
			rec := prev
			rec.Pos = ref.Pos
			rec.Inline = ref.Inline
			rec.Ref = ref.ID
			rec.Name = ref.Name
			cat.add(rec)
			continue
		}

		rec, err := e.process(data, hash, outDir)
		if err != nil {
			log.Warn("image skipped", "position", ref.Pos, "name", ref.Name, "reason", err)
			cat.Skipped++
			continue
		}
		if rec == nil {
			log.Debug("image below minimum size", "position", ref.Pos, "name", ref.Name)
			cat.Skipped++
			continue
		}
		rec.Pos = ref.Pos
		rec.Inline = ref.Inline
		rec.Ref = ref.ID
		rec.Name = ref.Name
		seen[hash] = *rec
		cat.add(*rec)
	}

	log.Info("images extracted",
		"records", len(cat.Records),
		"skipped", cat.Skipped,
		"duplicates", cat.Duplicates,
	)
	return cat, nil
}

// process decodes, filters and writes one image. A nil record with nil
// error means the image was too small.
func (e *Extractor) process(data []byte, hash, outDir string) (*ImageRecord, error) {
	if mt := mimetype.Detect(data); !isRaster(mt) {
		return nil, fmt.Errorf("not a raster image (%s)", mt.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if cfg.Width < e.cfg.MinWidth || cfg.Height < e.cfg.MinHeight {
		return nil, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	flat := Flatten(img)

	var buf bytes.Buffer
	if err := Encode(&buf, flat, e.cfg.Format, e.cfg.Quality); err != nil {
		return nil, err
	}

	name := e.cfg.NamePrefix + hash[:12] + "." + extension(e.cfg.Format)
	full := filepath.Join(outDir, name)
	if err := writeAtomic(full, buf.Bytes()); err != nil {
		return nil, err
	}

	return &ImageRecord{
		Hash:   hash,
		Width:  flat.Bounds().Dx(),
		Height: flat.Bounds().Dy(),
		Path:   full,
		URL:    path.Join(e.cfg.URLPrefix, name),
		Format: e.cfg.Format,
	}, nil
}

// contentHash is the hex BLAKE2b-128 of the raw bytes.
func contentHash(data []byte) string {
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func isRaster(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		switch m.String() {
		case "image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff", "image/webp":
			return true
		}
	}
	return false
}

func extension(format string) string {
	if format == FormatJPEG {
		return "jpg"
	}
	return format
}

// Encode writes img in the given format.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case FormatWebP:
		if err := webp.Encode(w, img, webp.Options{Quality: quality, Method: 4}); err != nil {
			return fmt.Errorf("encode webp: %w", err)
		}
	case FormatJPEG:
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(w, img); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".img-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}
