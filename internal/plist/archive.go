package plist

import "fmt"

// maxArchiveDepth bounds reference resolution in cyclic archives.
const maxArchiveDepth = 32

// Unarchive resolves a keyed archive (an "$objects" table addressed by UID
// references from "$top") and returns the root object with references
// replaced by the objects they point to. Class descriptors ("$class") are
// dropped. A tree that is not a keyed archive is returned unchanged.
func Unarchive(v *Value) (*Value, error) {
	objects := v.Key("$objects")
	top := v.Key("$top")
	if objects == nil || top == nil {
		return v, nil
	}
	if objects.Kind != KindArray {
		return nil, fmt.Errorf("$objects is %s, want array", objects.Kind)
	}

	root := top.Key("root")
	if root == nil {
		// Some archivers name the root differently; take the first reference.
		for _, k := range top.Keys() {
			if top.Dict[k].Kind == KindUID {
				root = top.Dict[k]
				break
			}
		}
	}
	if root == nil || root.Kind != KindUID {
		return nil, fmt.Errorf("keyed archive has no root reference")
	}

	return resolve(root, objects.Array, 0)
}

func resolve(v *Value, objects []*Value, depth int) (*Value, error) {
	if depth > maxArchiveDepth {
		return nil, fmt.Errorf("keyed archive nesting exceeds %d", maxArchiveDepth)
	}
	switch v.Kind {
	case KindUID:
		if v.UID >= uint64(len(objects)) {
			return nil, fmt.Errorf("reference %d out of range (%d objects)", v.UID, len(objects))
		}
		return resolve(objects[v.UID], objects, depth+1)
	case KindArray:
		out := &Value{Kind: KindArray, Array: make([]*Value, 0, len(v.Array))}
		for _, item := range v.Array {
			r, err := resolve(item, objects, depth+1)
			if err != nil {
				return nil, err
			}
			out.Array = append(out.Array, r)
		}
		return out, nil
	case KindDict:
		out := &Value{Kind: KindDict, Dict: make(map[string]*Value, len(v.Dict))}
		for k, item := range v.Dict {
			if k == "$class" {
				continue
			}
			r, err := resolve(item, objects, depth+1)
			if err != nil {
				return nil, err
			}
			out.Dict[k] = r
		}
		return out, nil
	case KindString:
		if v.Str == "$null" {
			return nil, nil
		}
		return v, nil
	default:
		return v, nil
	}
}
