package provider

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mholt/archiver/v3"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

// Archive is an offline tile file. Tile returns types.ErrTileNotFound
// when the archive lacks the tile. With ignoreSource the source name is
// not part of the lookup and any tile set in the archive may answer.
type Archive interface {
	Tile(ctx context.Context, src tile.Source, idx tile.Index, ignoreSource bool) ([]byte, error)
	Path() string
	Close() error
}

// OpenArchive opens path by its extension: .zip, .mbtiles, or any tar
// flavour understood by archiver (.tar, .tar.gz, .tgz, .tar.bz2, ...).
func OpenArchive(path string) (Archive, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return OpenZipArchive(path)
	case ".mbtiles", ".sqlite":
		return OpenMBTilesArchive(path)
	}
	return OpenTarArchive(path)
}

// roots lists the top level directories of an archive in archive order.
type roots []string

func (r *roots) add(name string) {
	dir, _, ok := strings.Cut(name, "/")
	if !ok || dir == "" || slices.Contains(*r, dir) {
		return
	}
	*r = append(*r, dir)
}

// candidates returns the entry names that may hold idx.
func (r roots) candidates(src tile.Source, idx tile.Index, ignoreSource bool) []string {
	if !ignoreSource {
		return []string{src.Path(idx)}
	}
	rel := src.RelativePath(idx)
	names := make([]string, 0, len(r))
	for _, dir := range r {
		names = append(names, dir+"/"+rel)
	}
	return names
}

// ZipArchive serves tiles from a zip file by entry name.
type ZipArchive struct {
	path    string
	reader  *zip.ReadCloser
	entries map[string]*zip.File
	roots   roots
}

// OpenZipArchive indexes the entries of a zip file.
func OpenZipArchive(path string) (*ZipArchive, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip archive %s: %w", path, err)
	}
	a := &ZipArchive{path: path, reader: r, entries: make(map[string]*zip.File, len(r.File))}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.entries[f.Name] = f
		a.roots.add(f.Name)
	}
	return a, nil
}

func (a *ZipArchive) Path() string {
	return a.path
}

// Tile implements Archive.
func (a *ZipArchive) Tile(ctx context.Context, src tile.Source, idx tile.Index, ignoreSource bool) ([]byte, error) {
	for _, name := range a.roots.candidates(src, idx, ignoreSource) {
		f, ok := a.entries[name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", name, a.path, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s in %s: %w", name, a.path, err)
		}
		return data, nil
	}
	return nil, types.ErrTileNotFound
}

func (a *ZipArchive) Close() error {
	return a.reader.Close()
}

// TarArchive serves tiles from a possibly compressed tar file. Tar has no
// random access, so the tiles are read into memory when it is opened.
type TarArchive struct {
	path  string
	tiles map[string][]byte
	roots roots
}

// OpenTarArchive walks the archive once and keeps its regular files.
func OpenTarArchive(path string) (*TarArchive, error) {
	format, err := archiver.ByExtension(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownArchive, path)
	}
	walker, ok := format.(archiver.Walker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownArchive, path)
	}
	if _, isZip := format.(*archiver.Zip); isZip {
		return nil, fmt.Errorf("%w: zip archives open with OpenZipArchive", types.ErrUnknownArchive)
	}

	a := &TarArchive{path: path, tiles: make(map[string][]byte)}
	err = walker.Walk(path, func(f archiver.File) error {
		if f.IsDir() {
			return nil
		}
		hdr, ok := f.Header.(*tar.Header)
		if !ok || hdr.Typeflag != tar.TypeReg {
			return nil
		}
		name := entryName(hdr.Name)
		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		a.tiles[name] = data
		a.roots.add(name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk archive %s: %w", path, err)
	}
	return a, nil
}

func entryName(name string) string {
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(name)), "./")
}

func (a *TarArchive) Path() string {
	return a.path
}

// Tile implements Archive.
func (a *TarArchive) Tile(ctx context.Context, src tile.Source, idx tile.Index, ignoreSource bool) ([]byte, error) {
	for _, name := range a.roots.candidates(src, idx, ignoreSource) {
		if data, ok := a.tiles[name]; ok {
			return data, nil
		}
	}
	return nil, types.ErrTileNotFound
}

func (a *TarArchive) Close() error {
	a.tiles = nil
	return nil
}

// zoomRanger is implemented by archives that know their zoom levels.
type zoomRanger interface {
	ZoomRange(ctx context.Context) (minZoom, maxZoom int, err error)
}

// ArchiveProvider serves tiles from a list of archives; the first archive
// holding the tile wins.
type ArchiveProvider struct {
	sourceHolder
	archives     []Archive
	ignoreSource bool

	// bounded is set when every archive reported its zoom levels.
	bounded bool
	minZoom int
	maxZoom int
}

// NewArchiveProvider serves tiles of src from archives. When every archive
// knows its zoom levels, the provider's zoom range is narrowed to them.
func NewArchiveProvider(archives []Archive, src tile.Source, ignoreSource bool) *ArchiveProvider {
	p := &ArchiveProvider{archives: archives, ignoreSource: ignoreSource}
	p.SetTileSource(src)
	p.minZoom, p.maxZoom, p.bounded = archiveZooms(archives)
	return p
}

func archiveZooms(archives []Archive) (minZoom, maxZoom int, ok bool) {
	if len(archives) == 0 {
		return 0, 0, false
	}
	minZoom, maxZoom = tile.MaxZoom, 0
	for _, a := range archives {
		r, isRanger := a.(zoomRanger)
		if !isRanger {
			return 0, 0, false
		}
		lo, hi, err := r.ZoomRange(context.Background())
		if err != nil {
			return 0, 0, false
		}
		minZoom, maxZoom = min(minZoom, lo), max(maxZoom, hi)
	}
	return minZoom, maxZoom, true
}

func (p *ArchiveProvider) MinZoom() int {
	if p.bounded {
		return max(p.sourceHolder.MinZoom(), p.minZoom)
	}
	return p.sourceHolder.MinZoom()
}

func (p *ArchiveProvider) MaxZoom() int {
	if p.bounded {
		return min(p.sourceHolder.MaxZoom(), p.maxZoom)
	}
	return p.sourceHolder.MaxZoom()
}

// OpenArchives opens every path. Archives opened before a failure are
// closed again.
func OpenArchives(paths []string) ([]Archive, error) {
	archives := make([]Archive, 0, len(paths))
	for _, p := range paths {
		a, err := OpenArchive(p)
		if err != nil {
			for _, opened := range archives {
				_ = opened.Close()
			}
			return nil, err
		}
		archives = append(archives, a)
	}
	return archives, nil
}

func (p *ArchiveProvider) Name() string {
	return "archive"
}

func (p *ArchiveProvider) NeedsConnectivity() bool {
	return false
}

// Load implements Provider.
func (p *ArchiveProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	src := p.source()
	for _, a := range p.archives {
		data, err := a.Tile(ctx, src, idx, p.ignoreSource)
		if types.IsTileNotFound(err) {
			continue
		}
		if err != nil {
			return tile.Tile{}, types.NewTileError("read", idx, p.Name(), err)
		}
		img, err := Decode(data)
		if err != nil {
			return tile.Tile{}, types.NewTileError("decode", idx, p.Name(), fmt.Errorf("%s: %w", a.Path(), err))
		}
		return tile.Tile{Image: img, State: tile.StateUpToDate}, nil
	}
	return tile.Tile{}, types.ErrTileNotFound
}

// Close closes every archive.
func (p *ArchiveProvider) Close() error {
	var errs []error
	for _, a := range p.archives {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}
