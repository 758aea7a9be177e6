package trace

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/bpath"
)

// Extractor reports the asset paths one datablock stores directly. The
// view is positioned on the block; implementations read fields by name
// and return one Usage per stored path.
type Extractor func(v *blendfile.View) ([]Usage, error)

var extractors = map[string]Extractor{}

// RegisterExtractor binds an extractor to a two-letter block code.
// Registration happens at startup; binding a code twice panics.
func RegisterExtractor(code string, fn Extractor) {
	if _, dup := extractors[code]; dup {
		panic(fmt.Sprintf("trace: extractor for %q registered twice", code))
	}
	extractors[code] = fn
}

func init() {
	RegisterExtractor("IM", extractImage)
	RegisterExtractor("MC", extractMovieClip)
	RegisterExtractor("SO", extractSound)
	RegisterExtractor("VF", extractFont)
	RegisterExtractor("LI", extractLibrary)
	RegisterExtractor("CF", extractCacheFile)
	RegisterExtractor("OB", extractObject)
	RegisterExtractor("SC", extractScene)
}

// owner returns the ID name of the datablock a view belongs to.
func owner(v *blendfile.View) string {
	name, err := v.Block().IDName()
	if err != nil {
		return ""
	}
	return name
}

// pathField reads the first present char-array field among names.
// Field names drift across file versions ("name" became "filepath");
// handlers list the modern name first and the legacy one after it.
func pathField(v *blendfile.View, names ...string) (bpath.Path, []string, bool) {
	for _, n := range names {
		b, err := v.Bytes(n)
		if err == nil {
			return bpath.Path(b), []string{n}, true
		}
	}
	return nil, nil, false
}

// intOr reads the first present integer field among names, falling
// back to def for files whose DNA predates the field.
func intOr(v *blendfile.View, def int64, names ...string) int64 {
	for _, n := range names {
		if val, err := v.Int(n); err == nil {
			return val
		}
	}
	return def
}

// pointerSet reports whether the first present pointer field among
// names holds a non-null address.
func pointerSet(v *blendfile.View, names ...string) bool {
	for _, n := range names {
		if addr, err := v.Pointer(n); err == nil {
			return addr != 0
		}
	}
	return false
}

// derefAny dereferences the first present pointer field among names.
// A present-but-null field ends the search: the block stores "nothing
// linked", not "field missing".
func derefAny(v *blendfile.View, names ...string) (*blendfile.Block, error) {
	for _, n := range names {
		b, err := v.Deref(n)
		if err != nil {
			if errors.Is(err, blendfile.ErrFieldNotFound) {
				continue
			}
			return nil, err
		}
		return b, nil
	}
	return nil, nil
}

func extractImage(v *blendfile.View) ([]Usage, error) {
	source := intOr(v, imaSrcFile, "source")
	switch source {
	case imaSrcFile, imaSrcSequence, imaSrcMovie, imaSrcTiled:
	default:
		// Generated and viewer images have no file behind them.
		return nil, nil
	}
	if pointerSet(v, "packedfile") {
		return nil, nil
	}
	p, field, ok := pathField(v, "filepath", "name")
	if !ok || len(p) == 0 {
		return nil, nil
	}
	return []Usage{{
		Block:      v.Block(),
		OwnerName:  owner(v),
		StoredPath: p,
		PathField:  field,
		IsSequence: source == imaSrcSequence || source == imaSrcTiled,
	}}, nil
}

func extractMovieClip(v *blendfile.View) ([]Usage, error) {
	p, field, ok := pathField(v, "filepath", "name")
	if !ok || len(p) == 0 {
		return nil, nil
	}
	return []Usage{{
		Block:      v.Block(),
		OwnerName:  owner(v),
		StoredPath: p,
		PathField:  field,
		IsSequence: intOr(v, 0, "source") == mclipSrcSequence,
	}}, nil
}

func extractSound(v *blendfile.View) ([]Usage, error) {
	if pointerSet(v, "packedfile") {
		return nil, nil
	}
	p, field, ok := pathField(v, "filepath", "name")
	if !ok || len(p) == 0 {
		return nil, nil
	}
	return []Usage{{
		Block:      v.Block(),
		OwnerName:  owner(v),
		StoredPath: p,
		PathField:  field,
	}}, nil
}

func extractFont(v *blendfile.View) ([]Usage, error) {
	if pointerSet(v, "packedfile") {
		return nil, nil
	}
	p, field, ok := pathField(v, "filepath", "name")
	if !ok || len(p) == 0 || bytes.Equal(p, []byte("<builtin>")) {
		return nil, nil
	}
	return []Usage{{
		Block:      v.Block(),
		OwnerName:  owner(v),
		StoredPath: p,
		PathField:  field,
	}}, nil
}

func extractLibrary(v *blendfile.View) ([]Usage, error) {
	p, field, ok := pathField(v, "filepath", "name")
	if !ok || len(p) == 0 {
		return nil, nil
	}
	return []Usage{{
		Block:      v.Block(),
		OwnerName:  owner(v),
		StoredPath: p,
		PathField:  field,
		// A library with its data packed in is referenced for
		// provenance but may be absent on disk.
		IsOptional: pointerSet(v, "packedfile"),
	}}, nil
}

func extractCacheFile(v *blendfile.View) ([]Usage, error) {
	p, field, ok := pathField(v, "filepath", "name")
	if !ok || len(p) == 0 {
		return nil, nil
	}
	return []Usage{{
		Block:      v.Block(),
		OwnerName:  owner(v),
		StoredPath: p,
		PathField:  field,
		IsSequence: intOr(v, 0, "is_sequence") != 0,
	}}, nil
}

// extractObject walks modifier stacks and particle systems for the
// disk caches they reference. These paths live on sub-blocks, so each
// usage points at the block actually holding the field. Dangling links
// are collected and returned alongside whatever was found.
func extractObject(v *blendfile.View) ([]Usage, error) {
	name := owner(v)
	var out []Usage
	var errs []error

	first, err := v.Deref("modifiers", "first")
	if err != nil {
		errs = append(errs, err)
	}
	mods, err := blendfile.Chain(first, "modifier", "next")
	if err != nil {
		errs = append(errs, err)
	}
	for _, mb := range mods {
		mv, viewErr := mb.View()
		if viewErr != nil {
			continue
		}
		mtype, typeErr := mv.Int("modifier", "type")
		if typeErr != nil {
			continue
		}
		switch mtype {
		case modTypeMeshCache:
			if p, field, ok := pathField(mv, "filepath"); ok && len(p) > 0 {
				out = append(out, Usage{Block: mb, OwnerName: name, StoredPath: p, PathField: field})
			}
		case modTypeOcean:
			if intOr(mv, 0, "cached") == 0 {
				continue
			}
			if p, field, ok := pathField(mv, "cachepath"); ok && len(p) > 0 {
				out = append(out, Usage{Block: mb, OwnerName: name, StoredPath: p, PathField: field, IsSequence: true})
			}
		case modTypeFluidsim:
			fss, derefErr := mv.Deref("fss")
			if derefErr != nil || fss == nil {
				continue
			}
			fv, viewErr := fss.View()
			if viewErr != nil {
				continue
			}
			if p, field, ok := pathField(fv, "surfdataPath"); ok && len(p) > 0 {
				out = append(out, Usage{Block: fss, OwnerName: name, StoredPath: p, PathField: field, IsSequence: true})
			}
		case modTypeFluid:
			if intOr(mv, 0, "type")&modFluidTypeDomain == 0 {
				continue
			}
			domain, derefErr := mv.Deref("domain")
			if derefErr != nil || domain == nil {
				continue
			}
			dv, viewErr := domain.View()
			if viewErr != nil {
				continue
			}
			if p, field, ok := pathField(dv, "cache_directory"); ok && len(p) > 0 {
				out = append(out, Usage{Block: domain, OwnerName: name, StoredPath: p, PathField: field, IsSequence: true})
			}
		}
	}

	systems, err := v.List("particlesystem")
	if err != nil {
		errs = append(errs, err)
	}
	for _, psys := range systems {
		pv, viewErr := psys.View()
		if viewErr != nil {
			continue
		}
		pc, derefErr := pv.Deref("pointcache")
		if derefErr != nil || pc == nil {
			continue
		}
		pcv, viewErr := pc.View()
		if viewErr != nil {
			continue
		}
		if intOr(pcv, 0, "flag")&ptcacheDiskCache == 0 {
			continue
		}
		if p, field, ok := pathField(pcv, "path"); ok && len(p) > 0 {
			out = append(out, Usage{Block: pc, OwnerName: name, StoredPath: p, PathField: field, IsSequence: true})
		}
	}
	return out, errors.Join(errs...)
}

// extractScene walks the sequence editor. Image and movie strips store
// their paths split into a directory field on the strip and a name per
// element; rewrites patch only the directory.
func extractScene(v *blendfile.View) ([]Usage, error) {
	name := owner(v)

	ed, err := v.Deref("ed")
	if err != nil || ed == nil {
		return nil, err
	}
	edv, err := ed.View()
	if err != nil {
		return nil, err
	}
	seqs, walkErr := sequencerStrips(edv)

	var out []Usage
	for _, seq := range seqs {
		sv, viewErr := seq.View()
		if viewErr != nil {
			continue
		}
		stype, typeErr := sv.Int("type")
		if typeErr != nil {
			continue
		}
		if stype != seqTypeImage && stype != seqTypeMovie {
			continue
		}

		strip, derefErr := sv.Deref("strip")
		if derefErr != nil || strip == nil {
			continue
		}
		stv, viewErr := strip.View()
		if viewErr != nil {
			continue
		}
		dir, dirErr := stv.Bytes("dir")
		if dirErr != nil {
			continue
		}
		stripdata, derefErr := stv.Deref("stripdata")
		if derefErr != nil || stripdata == nil {
			continue
		}
		elems, refErr := stripdata.Refined("StripElem")
		if refErr != nil {
			continue
		}

		count := 1
		if stype == seqTypeImage {
			count = int(intOr(sv, 1, "len"))
		}
		for i := range count {
			elem, elemErr := elems.Elem(i)
			if elemErr != nil {
				break
			}
			base, baseErr := elem.Bytes("name")
			if baseErr != nil || len(base) == 0 {
				continue
			}
			out = append(out, Usage{
				Block:      strip,
				OwnerName:  name,
				StoredPath: joinDirBase(dir, base),
				DirField:   []string{"dir"},
				BaseName:   base,
			})
		}
	}
	return out, walkErr
}

// sequencerStrips lists every strip in the editor, descending into
// meta strips. Dangling links are collected, not fatal; the strips
// reachable up to each break are still returned.
func sequencerStrips(edv *blendfile.View) ([]*blendfile.Block, error) {
	var out []*blendfile.Block
	var errs []error
	seen := make(map[uint64]struct{})

	var walk func(v *blendfile.View)
	walk = func(v *blendfile.View) {
		seqs, err := v.List("seqbase")
		if err != nil {
			errs = append(errs, err)
		}
		for _, seq := range seqs {
			if _, dup := seen[seq.Addr]; dup {
				continue
			}
			seen[seq.Addr] = struct{}{}
			out = append(out, seq)

			sv, viewErr := seq.View()
			if viewErr != nil {
				errs = append(errs, viewErr)
				continue
			}
			if stype, typeErr := sv.Int("type"); typeErr == nil && stype == seqTypeMeta {
				walk(sv)
			}
		}
	}
	walk(edv)
	return out, errors.Join(errs...)
}

// joinDirBase joins a strip directory with an element name the way the
// stored bytes expect: the directory may or may not carry a trailing
// separator.
func joinDirBase(dir, base []byte) bpath.Path {
	if len(dir) == 0 {
		return bpath.Path(base)
	}
	out := make([]byte, 0, len(dir)+1+len(base))
	out = append(out, dir...)
	last := dir[len(dir)-1]
	if last != '/' && last != '\\' {
		out = append(out, '/')
	}
	return append(out, base...)
}
