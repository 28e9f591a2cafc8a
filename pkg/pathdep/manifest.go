package pathdep

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
)

// manifestLoader reads one Cargo.toml. Injected for tests.
type manifestLoader interface {
	Load(manifestPath string) (*manifest, error)
}

// dependencySpec is one entry in a manifest's dependency tables. Cargo
// accepts either a bare version string or an inline table; only the table
// form can carry a path.
type dependencySpec struct {
	Path string `toml:"path"`
}

// UnmarshalTOML tolerates both forms.
func (d *dependencySpec) UnmarshalTOML(v any) error {
	if table, ok := v.(map[string]any); ok {
		if p, ok := table["path"].(string); ok {
			d.Path = p
		}
	}
	return nil
}

// manifest is the subset of Cargo.toml the fallback parser reads.
type manifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Dependencies      map[string]dependencySpec `toml:"dependencies"`
	DevDependencies   map[string]dependencySpec `toml:"dev-dependencies"`
	BuildDependencies map[string]dependencySpec `toml:"build-dependencies"`
}

// pathDeps merges every dependency table's path entries.
func (m *manifest) pathDeps() map[string]string {
	out := make(map[string]string)
	for _, table := range []map[string]dependencySpec{m.Dependencies, m.DevDependencies, m.BuildDependencies} {
		for name, spec := range table {
			if spec.Path != "" {
				out[name] = spec.Path
			}
		}
	}
	return out
}

// fsManifestLoader reads manifests from the filesystem.
type fsManifestLoader struct{}

func (fsManifestLoader) Load(manifestPath string) (*manifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errs.New(errs.CodePathDepMissing, err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errs.New(errs.CodePathDepManifestParseFailed, err)
	}
	return &m, nil
}

// resolveFromManifests is the fallback strategy: walk Cargo.toml files
// recursively from the entrypoint, following path dependencies.
func (r *Resolver) resolveFromManifests(manifestPath string, policy TopologyPolicy) (*Graph, error) {
	graph := &Graph{}
	seen := make(map[string]bool)

	rootDir, err := policy.NormalizePath(filepath.Dir(manifestPath))
	if err != nil {
		return nil, err
	}
	graph.RootPackages = append(graph.RootPackages, rootDir)

	var walk func(manifestPath string) error
	walk = func(manifestPath string) error {
		dir, err := policy.NormalizePath(filepath.Dir(manifestPath))
		if err != nil {
			return err
		}
		if seen[dir] {
			return nil
		}
		seen[dir] = true

		m, err := r.manifest.Load(manifestPath)
		if err != nil {
			return err
		}

		graph.Packages = append(graph.Packages, Package{
			Name:          m.Package.Name,
			CanonicalPath: dir,
			ManifestPath:  filepath.Clean(manifestPath),
		})

		for name, relPath := range m.pathDeps() {
			depDir := relPath
			if !filepath.IsAbs(depDir) {
				depDir = filepath.Join(dir, relPath)
			}
			depDir, err := policy.NormalizePath(depDir)
			if err != nil {
				return err
			}
			graph.Edges = append(graph.Edges, Edge{From: dir, To: depDir, DependencyName: name})
			if err := walk(filepath.Join(depDir, "Cargo.toml")); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(filepath.Clean(manifestPath)); err != nil {
		return nil, err
	}
	return graph, nil
}
