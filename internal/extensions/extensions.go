package extensions

import (
	"github.com/kingrea/lodstream/internal/extension"
	"github.com/kingrea/lodstream/internal/lod"
)

// Builtins exposes the built-in extensions after registration so the host
// can reach extension-specific controls such as LOD cancellation.
type Builtins struct {
	LOD *lod.Extension
}

// RegisterBuiltins constructs every built-in extension from deps and
// installs it into reg.
func RegisterBuiltins(reg *extension.Registry, deps lod.Deps) (Builtins, error) {
	var out Builtins
	if reg == nil {
		return out, nil
	}
	lodExt, err := lod.New(deps)
	if err != nil {
		return out, err
	}
	if err := reg.Register(lodExt); err != nil {
		return out, err
	}
	out.LOD = lodExt
	return out, nil
}
