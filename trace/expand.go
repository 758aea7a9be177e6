package trace

import (
	"errors"
	"fmt"

	"github.com/blendpack/blendpack/blendfile"
)

// Expander reports the datablocks one datablock depends on, so the
// engine can walk the dependency graph. Returned blocks are queued;
// anything that is not a datablock is dropped with a debug log.
type Expander func(v *blendfile.View) ([]*blendfile.Block, error)

var expanders = map[string]Expander{}

// RegisterExpander binds an expander to a two-letter block code.
// Registration happens at startup; binding a code twice panics.
func RegisterExpander(code string, fn Expander) {
	if _, dup := expanders[code]; dup {
		panic(fmt.Sprintf("trace: expander for %q registered twice", code))
	}
	expanders[code] = fn
}

func init() {
	RegisterExpander("AR", expandArmature)
	RegisterExpander("CU", expandCurve)
	RegisterExpander("GR", expandCollection)
	RegisterExpander("LA", expandLamp)
	RegisterExpander("MA", expandMaterial)
	RegisterExpander("MB", expandMetaball)
	RegisterExpander("ME", expandMesh)
	RegisterExpander("NT", expandNodeTree)
	RegisterExpander("OB", expandObject)
	RegisterExpander("PA", expandParticleSettings)
	RegisterExpander("SC", expandScene)
	RegisterExpander("TE", expandTexture)
	RegisterExpander("WO", expandWorld)
}

// socketValueStructs maps node socket types to the struct holding
// their default value, for sockets whose default is an ID pointer.
var socketValueStructs = map[int64]string{
	sockObject:     "bNodeSocketValueObject",
	sockImage:      "bNodeSocketValueImage",
	sockCollection: "bNodeSocketValueCollection",
	sockTexture:    "bNodeSocketValueTexture",
	sockMaterial:   "bNodeSocketValueMaterial",
}

// stripLinkFields maps sequencer strip types to the pointer field
// naming the datablock they play.
var stripLinkFields = map[int64]string{
	seqTypeScene:     "scene",
	seqTypeMovieclip: "clip",
	seqTypeMask:      "mask",
	seqTypeSoundRAM:  "sound",
}

// expansion accumulates the blocks an expander found together with the
// recoverable errors hit while finding them. Fields absent from a
// file's DNA are normal across versions and never recorded as errors.
type expansion struct {
	blocks []*blendfile.Block
	errs   []error
}

func (e *expansion) add(b *blendfile.Block) {
	if b != nil {
		e.blocks = append(e.blocks, b)
	}
}

func (e *expansion) fail(err error) {
	if err != nil && !errors.Is(err, blendfile.ErrFieldNotFound) {
		e.errs = append(e.errs, err)
	}
}

// deref resolves the first present pointer field among names and
// collects the target.
func (e *expansion) deref(v *blendfile.View, names ...string) {
	b, err := derefAny(v, names...)
	e.fail(err)
	e.add(b)
}

// list walks a ListBase field, tolerating its absence and keeping
// whatever a dangling link left reachable.
func (e *expansion) list(v *blendfile.View, path ...string) []*blendfile.Block {
	blocks, err := v.List(path...)
	e.fail(err)
	return blocks
}

func (e *expansion) result() ([]*blendfile.Block, error) {
	return e.blocks, errors.Join(e.errs...)
}

// animData follows the animation data pointer to its action.
func (e *expansion) animData(v *blendfile.View) {
	adt, err := derefAny(v, "adt")
	e.fail(err)
	if adt == nil {
		return
	}
	av, err := adt.View()
	if err != nil {
		e.fail(err)
		return
	}
	e.deref(av, "action")
}

// materialSlots resolves the heap array of material pointers sized by
// totcol. Types without material slots are skipped.
func (e *expansion) materialSlots(v *blendfile.View) {
	totcol, err := v.Int("totcol")
	if err != nil {
		return
	}
	mats, err := v.DerefArray(int(totcol), "mat")
	e.fail(err)
	e.blocks = append(e.blocks, mats...)
}

// textureSlots resolves the fixed mtex pointer array and collects each
// slot's texture and mapping object. The array was removed in 2.80;
// its absence is normal.
func (e *expansion) textureSlots(v *blendfile.View) {
	slots, err := v.DerefFixedArray("mtex")
	if err != nil {
		return
	}
	for _, slot := range slots {
		sv, err := slot.View()
		if err != nil {
			continue
		}
		e.deref(sv, "tex")
		e.deref(sv, "object")
	}
}

// ownedTree expands the node tree embedded in an ID datablock. Scenes
// renamed the field in 5.0; both spellings are tried.
func (e *expansion) ownedTree(v *blendfile.View) {
	nt, err := derefAny(v, "compositing_node_group", "nodetree")
	e.fail(err)
	if nt == nil {
		return
	}
	tv, err := nt.View()
	if err != nil {
		e.fail(err)
		return
	}
	// A linked node group appears as a bare ID placeholder; queue it
	// so the engine crosses into its library.
	if tv.Struct().Name == "ID" {
		e.add(nt)
		return
	}
	e.treeNodes(tv)
}

// treeNodes collects the datablocks a node tree references: each
// node's id pointer and the ID-typed default values of input sockets.
// Render layer nodes are skipped, their scene pointer would drag whole
// scenes in.
func (e *expansion) treeNodes(tv *blendfile.View) {
	for _, node := range e.list(tv, "nodes") {
		nv, err := node.View()
		if err != nil {
			continue
		}
		ntype, err := nv.Int("type")
		if err != nil {
			continue
		}
		if ntype == cmpNodeRLayers {
			continue
		}
		e.deref(nv, "id")

		for _, sock := range e.list(nv, "inputs") {
			sv, err := sock.View()
			if err != nil {
				continue
			}
			stype, err := sv.Int("type")
			if err != nil {
				continue
			}
			structName, ok := socketValueStructs[stype]
			if !ok {
				continue
			}
			value, err := sv.Deref("default_value")
			e.fail(err)
			if value == nil {
				continue
			}
			vv, err := value.Refined(structName)
			if err != nil {
				continue
			}
			e.deref(vv, "value")
		}
	}
}

// idPropGroup walks an IDProperty group, collecting ID references and
// recursing into nested groups. seen guards against cyclic links in
// damaged files.
func (e *expansion) idPropGroup(prop *blendfile.Block, seen map[uint64]struct{}) {
	if _, dup := seen[prop.Addr]; dup {
		return
	}
	seen[prop.Addr] = struct{}{}

	pv, err := prop.View()
	if err != nil {
		e.fail(err)
		return
	}
	for _, member := range e.list(pv, "data", "group") {
		mv, err := member.View()
		if err != nil {
			continue
		}
		ptype, err := mv.Int("type")
		if err != nil {
			continue
		}
		switch ptype {
		case idpID:
			ref, err := mv.Deref("data", "pointer")
			e.fail(err)
			e.add(ref)
		case idpGroup:
			e.idPropGroup(member, seen)
		}
	}
}

func expandArmature(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	return e.result()
}

func expandCurve(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.materialSlots(v)
	for _, field := range []string{"vfont", "vfontb", "vfonti", "vfontbi", "bevobj", "taperobj", "textoncurve"} {
		e.deref(v, field)
	}
	return e.result()
}

func expandCollection(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	for _, item := range e.list(v, "gobject") {
		iv, err := item.View()
		if err != nil {
			continue
		}
		e.deref(iv, "ob")
	}
	for _, child := range e.list(v, "children") {
		cv, err := child.View()
		if err != nil {
			continue
		}
		e.deref(cv, "collection")
	}
	return e.result()
}

func expandLamp(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.ownedTree(v)
	e.textureSlots(v)
	return e.result()
}

func expandMaterial(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.ownedTree(v)
	e.textureSlots(v)
	// 2.7x materials could point at a group to instance.
	e.deref(v, "group")
	return e.result()
}

func expandMetaball(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.materialSlots(v)
	return e.result()
}

func expandMesh(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.materialSlots(v)
	e.deref(v, "texcomesh")
	return e.result()
}

func expandNodeTree(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.treeNodes(v)
	return e.result()
}

func expandObject(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.materialSlots(v)
	e.deref(v, "data")

	if intOr(v, 0, "transflag")&obDuplicollection != 0 {
		e.deref(v, "instance_collection", "dup_group")
	}
	e.deref(v, "proxy")
	e.deref(v, "proxy_group")

	pose, err := derefAny(v, "pose")
	e.fail(err)
	if pose != nil {
		if pv, err := pose.View(); err == nil {
			for _, pchan := range e.list(pv, "chanbase") {
				cv, err := pchan.View()
				if err != nil {
					continue
				}
				e.deref(cv, "custom")
			}
		}
	}

	for _, psys := range e.list(v, "particlesystem") {
		pv, err := psys.View()
		if err != nil {
			continue
		}
		e.deref(pv, "part")
	}

	first, err := v.Deref("modifiers", "first")
	e.fail(err)
	mods, err := blendfile.Chain(first, "modifier", "next")
	e.fail(err)
	for _, mod := range mods {
		mv, err := mod.View()
		if err != nil {
			continue
		}
		if mtype, err := mv.Int("modifier", "type"); err != nil || mtype != modTypeNodes {
			continue
		}
		e.deref(mv, "node_group")
		props, err := mv.Deref("settings", "properties")
		e.fail(err)
		if props != nil {
			e.idPropGroup(props, make(map[uint64]struct{}))
		}
	}
	return e.result()
}

func expandParticleSettings(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.textureSlots(v)

	switch intOr(v, 0, "ren_as") {
	case partDrawGR:
		e.deref(v, "instance_collection", "dup_group")
	case partDrawOB:
		e.deref(v, "instance_object", "dup_ob")
	}
	return e.result()
}

func expandScene(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.ownedTree(v)

	for _, field := range []string{"camera", "world", "set", "clip"} {
		e.deref(v, field)
	}
	for _, base := range e.list(v, "base") {
		bv, err := base.View()
		if err != nil {
			continue
		}
		e.deref(bv, "object")
	}

	ed, err := derefAny(v, "ed")
	e.fail(err)
	if ed == nil {
		return e.result()
	}
	edv, err := ed.View()
	if err != nil {
		e.fail(err)
		return e.result()
	}
	strips, walkErr := sequencerStrips(edv)
	e.fail(walkErr)
	for _, strip := range strips {
		sv, err := strip.View()
		if err != nil {
			continue
		}
		stype, err := sv.Int("type")
		if err != nil {
			continue
		}
		if field, ok := stripLinkFields[stype]; ok {
			e.deref(sv, field)
		}
	}
	return e.result()
}

func expandTexture(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.ownedTree(v)
	e.deref(v, "ima")
	return e.result()
}

func expandWorld(v *blendfile.View) ([]*blendfile.Block, error) {
	var e expansion
	e.animData(v)
	e.ownedTree(v)
	e.textureSlots(v)
	return e.result()
}
