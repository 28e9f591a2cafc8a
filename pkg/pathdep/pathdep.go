// Package pathdep resolves the graph of local cargo path dependencies
// reachable from an entrypoint crate. Resolution is a pure function of its
// inputs: the primary strategy parses `cargo metadata` output, the
// fallback walks manifests recursively, and both normalize every path
// through a topology policy that rejects anything outside the canonical
// projects root or an approved alias.
package pathdep

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
)

// TopologyPolicy constrains where resolved crate paths may live.
type TopologyPolicy struct {
	CanonicalRoot   string
	ApprovedAliases []string
}

// NormalizePath cleans p and verifies it sits under the canonical root or
// an approved alias prefix.
func (t TopologyPolicy) NormalizePath(p string) (string, error) {
	cleaned := filepath.Clean(p)
	if t.CanonicalRoot == "" {
		return cleaned, nil
	}
	if underPrefix(cleaned, t.CanonicalRoot) {
		return cleaned, nil
	}
	for _, alias := range t.ApprovedAliases {
		if underPrefix(cleaned, alias) {
			return cleaned, nil
		}
	}
	return "", errs.New(errs.CodePathDepPolicyViolation,
		fmt.Errorf("path %q outside canonical root %q", cleaned, t.CanonicalRoot))
}

func underPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// MetadataRunner invokes `cargo metadata` for an entrypoint manifest and
// returns its raw JSON output. Injected for tests.
type MetadataRunner interface {
	Metadata(ctx context.Context, manifestPath string) ([]byte, error)
}

// execMetadataRunner shells out to the real cargo binary.
type execMetadataRunner struct{}

func (execMetadataRunner) Metadata(ctx context.Context, manifestPath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "cargo", "metadata",
		"--format-version", "1",
		"--manifest-path", manifestPath,
		"--no-deps",
	)
	return cmd.Output()
}

// Resolver resolves path-dependency graphs.
type Resolver struct {
	runner   MetadataRunner
	manifest manifestLoader
}

// New creates a resolver using the real cargo binary and filesystem.
func New() *Resolver {
	return &Resolver{runner: execMetadataRunner{}, manifest: fsManifestLoader{}}
}

// NewWithRunner creates a resolver with injected strategies, for tests.
func NewWithRunner(runner MetadataRunner, loader manifestLoader) *Resolver {
	if loader == nil {
		loader = fsManifestLoader{}
	}
	return &Resolver{runner: runner, manifest: loader}
}

// ResolveError aggregates the diagnostics of both failed strategies.
type ResolveError struct {
	MetadataErr error
	ManifestErr error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("path-dependency resolution failed: metadata: %v; manifest fallback: %v",
		e.MetadataErr, e.ManifestErr)
}

// Resolve builds the path-dependency graph for entrypoint (a directory or
// Cargo.toml path). Malformed metadata output or a failed invocation falls
// back to recursive manifest parsing; if both fail, the returned error
// carries both diagnostics.
func (r *Resolver) Resolve(ctx context.Context, entrypoint string, policy TopologyPolicy) (*Graph, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PathDepResolveDuration)

	manifestPath := entrypoint
	if !strings.HasSuffix(manifestPath, "Cargo.toml") {
		manifestPath = filepath.Join(entrypoint, "Cargo.toml")
	}

	graph, metadataErr := r.resolveFromMetadata(ctx, manifestPath, policy)
	if metadataErr == nil {
		return finishGraph(graph)
	}
	// Policy violations are terminal: the fallback would only re-derive
	// the same out-of-scope path.
	if isPolicyViolation(metadataErr) {
		return nil, metadataErr
	}

	graph, manifestErr := r.resolveFromManifests(manifestPath, policy)
	if manifestErr == nil {
		return finishGraph(graph)
	}
	if isPolicyViolation(manifestErr) {
		return nil, manifestErr
	}

	return nil, &ResolveError{MetadataErr: metadataErr, ManifestErr: manifestErr}
}

func isPolicyViolation(err error) bool {
	var coded *errs.Error
	for e := err; e != nil; {
		if ce, ok := e.(*errs.Error); ok {
			coded = ce
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return coded != nil && coded.Code == errs.CodePathDepPolicyViolation
}

func finishGraph(g *Graph) (*Graph, error) {
	g.normalize()
	if cycle := g.detectCycle(); cycle != nil {
		return nil, cycle
	}
	return g, nil
}

// cargoMetadata mirrors the subset of `cargo metadata` JSON the resolver
// reads. Unknown fields are ignored.
type cargoMetadata struct {
	Packages []struct {
		Name         string `json:"name"`
		ManifestPath string `json:"manifest_path"`
		Dependencies []struct {
			Name string  `json:"name"`
			Path *string `json:"path"`
		} `json:"dependencies"`
	} `json:"packages"`
	WorkspaceMembers []string `json:"workspace_members"`
}

func (r *Resolver) resolveFromMetadata(ctx context.Context, manifestPath string, policy TopologyPolicy) (*Graph, error) {
	raw, err := r.runner.Metadata(ctx, manifestPath)
	if err != nil {
		return nil, errs.New(errs.CodePathDepMetadataFailed, err)
	}

	var meta cargoMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errs.New(errs.CodePathDepMetadataParseFailed, err)
	}

	graph := &Graph{}
	byManifest := make(map[string]string) // manifest path -> canonical dir

	for _, pkg := range meta.Packages {
		dir, err := policy.NormalizePath(filepath.Dir(pkg.ManifestPath))
		if err != nil {
			return nil, err
		}
		graph.Packages = append(graph.Packages, Package{
			Name:          pkg.Name,
			CanonicalPath: dir,
			ManifestPath:  filepath.Clean(pkg.ManifestPath),
		})
		byManifest[filepath.Clean(pkg.ManifestPath)] = dir
	}

	for _, pkg := range meta.Packages {
		from := byManifest[filepath.Clean(pkg.ManifestPath)]
		for _, dep := range pkg.Dependencies {
			if dep.Path == nil {
				continue
			}
			to, err := policy.NormalizePath(*dep.Path)
			if err != nil {
				return nil, err
			}
			graph.Edges = append(graph.Edges, Edge{From: from, To: to, DependencyName: dep.Name})
		}
	}

	rootDir, err := policy.NormalizePath(filepath.Dir(manifestPath))
	if err != nil {
		return nil, err
	}
	graph.RootPackages = append(graph.RootPackages, rootDir)
	return graph, nil
}
