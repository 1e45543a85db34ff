package bundler

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Registry assigns file names in the shared directory for one packaging
// run. A source path always gets the same name; distinct sources whose
// base names collide get a numeric suffix. Create one per run.
type Registry struct {
	mu       sync.Mutex
	names    map[string]string // source -> shared name
	owners   map[string]string // shared name -> source
	packages map[string]*packageNames
}

type packageNames struct {
	names  map[string]string // source -> name inside the package dir
	owners map[string]string
	whole  bool
	main   string // flattened main entry, once any bundle shipped it
}

func NewRegistry() *Registry {
	return &Registry{
		names:    make(map[string]string),
		owners:   make(map[string]string),
		packages: make(map[string]*packageNames),
	}
}

// Assign returns the shared-directory name for a local source file and
// whether it had already been assigned in this run.
func (r *Registry) Assign(source string) (name string, reused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.names[source]; ok {
		return name, true
	}
	base := filepath.Base(source)
	name = base
	for i := 1; r.owners[name] != ""; i++ {
		name = withSuffix(base, "_"+strconv.Itoa(i))
	}
	r.names[source] = name
	r.owners[name] = source
	return name, false
}

// AssignInPackage returns the flattened name of a private package file
// inside shared/<pkg>/. On collision the parent directory name is
// prefixed, then a counter is added.
func (r *Registry) AssignInPackage(pkg, source string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pkg(pkg)
	if name, ok := p.names[source]; ok {
		return name
	}
	base := filepath.Base(source)
	name := base
	if p.owners[name] != "" {
		prefixed := filepath.Base(filepath.Dir(source)) + "_" + base
		name = prefixed
		for i := 1; p.owners[name] != ""; i++ {
			name = withSuffix(prefixed, "_"+strconv.Itoa(i))
		}
	}
	p.names[source] = name
	p.owners[name] = source
	return name
}

// MarkWholePackage records that pkg was copied as a complete tree.
// It reports false when that had already happened in this run.
func (r *Registry) MarkWholePackage(pkg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pkg(pkg)
	if p.whole {
		return false
	}
	p.whole = true
	return true
}

// PackageMain records name as pkg's flattened main entry when it is set
// and returns the entry recorded so far in this run. Once one bundle has
// shipped the main entry, later bundles keep pointing the shared manifest
// at it.
func (r *Registry) PackageMain(pkg, name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pkg(pkg)
	if name != "" {
		p.main = name
	}
	return p.main
}

// Len returns the number of local files assigned so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func (r *Registry) pkg(name string) *packageNames {
	p, ok := r.packages[name]
	if !ok {
		p = &packageNames{names: make(map[string]string), owners: make(map[string]string)}
		r.packages[name] = p
	}
	return p
}

// withSuffix inserts suffix before the extension: util.ts -> util_1.ts.
// A ".d.ts" style double extension is kept whole.
func withSuffix(base, suffix string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if inner := filepath.Ext(stem); inner == ".d" {
		ext = inner + ext
		stem = strings.TrimSuffix(stem, inner)
	}
	return stem + suffix + ext
}
